// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by spans across packages.
const (
	SegmentNameKey     = "segment.name"
	SegmentSequenceKey = "segment.sequence"
	SegmentRetriesKey  = "segment.retries"
	SegmentEncrypted   = "segment.encrypted"

	PlaylistURLKey      = "playlist.url"
	PlaylistLiveKey     = "playlist.live"
	PlaylistSegmentsKey = "playlist.segments"

	TaskIDKey = "task.id"

	ErrorKey      = "error"
	ErrorClassKey = "error.class"
)

// SegmentAttributes describes one segment attempt.
func SegmentAttributes(name string, sequence, retries int, encrypted bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(SegmentNameKey, name),
		attribute.Int(SegmentSequenceKey, sequence),
		attribute.Int(SegmentRetriesKey, retries),
		attribute.Bool(SegmentEncrypted, encrypted),
	}
}

// PlaylistAttributes describes a playlist load. segments is omitted when negative.
func PlaylistAttributes(url string, live bool, segments int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(PlaylistURLKey, url),
		attribute.Bool(PlaylistLiveKey, live),
	}
	if segments >= 0 {
		attrs = append(attrs, attribute.Int(PlaylistSegmentsKey, segments))
	}
	return attrs
}

// ErrorAttributes marks a span as failed with a failure class.
func ErrorAttributes(class string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorClassKey, class),
	}
}

package hls

import (
	"bufio"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const maxLineBytes = 1 << 20

// Parse turns raw playlist text into a typed playlist. Relative references
// are resolved against baseURL; a relative reference with an empty baseURL is
// a parse failure.
//
// Parsing is stateful: the active EXT-X-KEY is attached to every following
// segment until overridden, and sequence numbers start at
// EXT-X-MEDIA-SEQUENCE (default 0), incrementing once per normal segment.
func Parse(text, baseURL string) (Playlist, error) {
	p := &parser{base: baseURL}
	if err := p.run(text); err != nil {
		return nil, err
	}
	if p.master != nil {
		return p.master, nil
	}
	return p.media, nil
}

// ParseMedia is Parse for callers that require a media playlist.
func ParseMedia(text, baseURL string) (*MediaPlaylist, error) {
	pl, err := Parse(text, baseURL)
	if err != nil {
		return nil, err
	}
	media, ok := pl.(*MediaPlaylist)
	if !ok {
		return nil, &ParseError{Reason: "expected media playlist, got master playlist"}
	}
	return media, nil
}

type parser struct {
	base   string
	line   int
	master *MasterPlaylist
	media  *MediaPlaylist

	// scan state
	pendingStream *Stream
	key           *Key
	nextDuration  float64
	haveDuration  bool
	nextDiscont   bool
	nextPDT       time.Time
	segmentCount  int
	seenKeys      map[string]struct{}
}

func (p *parser) fail(format string, args ...any) error {
	return &ParseError{Line: p.line, Reason: fmt.Sprintf(format, args...)}
}

func (p *parser) run(text string) error {
	p.media = &MediaPlaylist{URL: p.base}
	p.seenKeys = make(map[string]struct{})

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		p.line++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var err error
		if strings.HasPrefix(line, "#") {
			err = p.tag(line)
		} else {
			err = p.uri(line)
		}
		if err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &ParseError{Line: p.line, Reason: err.Error()}
	}

	if p.pendingStream != nil {
		return p.fail("EXT-X-STREAM-INF without stream URI")
	}
	if p.master != nil && len(p.media.Segments) > 0 {
		return p.fail("playlist mixes variant streams and media segments")
	}
	return nil
}

func (p *parser) tag(line string) error {
	name, value, _ := strings.Cut(line, ":")

	switch name {
	case "#EXT-X-STREAM-INF":
		if p.pendingStream != nil {
			return p.fail("EXT-X-STREAM-INF without stream URI")
		}
		attrs := ParseAttributes(value)
		bw, ok := attrs["BANDWIDTH"]
		if !ok {
			return p.fail("EXT-X-STREAM-INF missing required BANDWIDTH attribute")
		}
		bandwidth, err := strconv.ParseInt(bw, 10, 64)
		if err != nil {
			return p.fail("invalid BANDWIDTH %q", bw)
		}
		p.pendingStream = &Stream{
			Bandwidth:  bandwidth,
			Codecs:     attrs["CODECS"],
			Resolution: attrs["RESOLUTION"],
		}

	case "#EXT-X-MEDIA-SEQUENCE":
		seq, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || seq < 0 {
			return p.fail("invalid EXT-X-MEDIA-SEQUENCE %q", value)
		}
		if p.segmentCount > 0 {
			return p.fail("EXT-X-MEDIA-SEQUENCE after first segment")
		}
		p.media.MediaSequence = seq

	case "#EXT-X-TARGETDURATION":
		d, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return p.fail("invalid EXT-X-TARGETDURATION %q", value)
		}
		p.media.TargetDuration = d

	case "#EXT-X-KEY":
		return p.keyTag(value)

	case "#EXT-X-MAP":
		return p.mapTag(value)

	case "#EXTINF":
		durPart := value
		if idx := strings.Index(durPart, ","); idx != -1 {
			durPart = durPart[:idx]
		}
		secs, err := strconv.ParseFloat(strings.TrimSpace(durPart), 64)
		if err != nil || secs < 0 {
			return p.fail("invalid EXTINF duration %q", durPart)
		}
		p.nextDuration = secs
		p.haveDuration = true

	case "#EXT-X-PROGRAM-DATE-TIME":
		t, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return p.fail("invalid EXT-X-PROGRAM-DATE-TIME %q", value)
		}
		p.nextPDT = t

	case "#EXT-X-DISCONTINUITY":
		p.nextDiscont = true

	case "#EXT-X-BYTERANGE":
		return p.fail("byte-range segments are not supported")

	case "#EXT-X-ENDLIST":
		p.media.IsEnd = true

	case "#EXT-X-PLAYLIST-TYPE":
		if strings.EqualFold(strings.TrimSpace(value), "VOD") {
			p.media.VOD = true
		}
	}
	// Unknown tags and comments are ignored.
	return nil
}

func (p *parser) keyTag(value string) error {
	attrs := ParseAttributes(value)
	method, ok := attrs["METHOD"]
	if !ok {
		return p.fail("EXT-X-KEY missing required METHOD attribute")
	}
	if method == MethodNone {
		p.key = nil
		return nil
	}
	rawURI, ok := attrs["URI"]
	if !ok || rawURI == "" {
		return p.fail("EXT-X-KEY missing required URI attribute")
	}
	keyURI, err := p.resolve(rawURI)
	if err != nil {
		return err
	}
	p.key = &Key{Method: method, URI: keyURI, IV: attrs["IV"]}
	if _, seen := p.seenKeys[keyURI]; !seen {
		p.seenKeys[keyURI] = struct{}{}
		p.media.EncryptKeys = append(p.media.EncryptKeys, keyURI)
	}
	return nil
}

func (p *parser) mapTag(value string) error {
	attrs := ParseAttributes(value)
	rawURI, ok := attrs["URI"]
	if !ok || rawURI == "" {
		return p.fail("EXT-X-MAP missing required URI attribute")
	}
	if _, ok := attrs["BYTERANGE"]; ok {
		return p.fail("byte-range initialization sections are not supported")
	}
	mapURI, err := p.resolve(rawURI)
	if err != nil {
		return err
	}
	if p.media.InitSegment != nil {
		if p.media.InitSegment.URL == mapURI {
			return nil
		}
		return p.fail("multiple initialization sections are not supported")
	}
	p.media.InitSegment = &Segment{
		URL:      mapURI,
		Sequence: -1,
		Initial:  true,
		Key:      p.key,
	}
	return nil
}

func (p *parser) uri(line string) error {
	resolved, err := p.resolve(line)
	if err != nil {
		return err
	}

	if p.pendingStream != nil {
		s := *p.pendingStream
		s.URL = resolved
		p.pendingStream = nil
		if p.master == nil {
			p.master = &MasterPlaylist{URL: p.base}
		}
		p.master.Streams = append(p.master.Streams, s)
		return nil
	}

	if !p.haveDuration {
		return p.fail("segment %q without EXTINF", line)
	}
	p.media.Segments = append(p.media.Segments, Segment{
		URL:             resolved,
		Sequence:        p.media.MediaSequence + p.segmentCount,
		Duration:        p.nextDuration,
		Key:             p.key,
		Discontinuity:   p.nextDiscont,
		ProgramDateTime: p.nextPDT,
	})
	p.segmentCount++

	p.nextDuration = 0
	p.haveDuration = false
	p.nextDiscont = false
	p.nextPDT = time.Time{}
	return nil
}

func (p *parser) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", p.fail("invalid URI %q: %v", ref, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if p.base == "" {
		return "", p.fail("relative URI %q requires a base URL", ref)
	}
	base, err := url.Parse(p.base)
	if err != nil {
		return "", p.fail("invalid base URL %q: %v", p.base, err)
	}
	return base.ResolveReference(u).String(), nil
}

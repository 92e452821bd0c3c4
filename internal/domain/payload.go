package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type PayloadKind string

const (
	KindText     PayloadKind = "text"
	KindImage    PayloadKind = "image"
	KindDocument PayloadKind = "document"
	KindVideo    PayloadKind = "video"
	KindAudio    PayloadKind = "audio"
	KindLocation PayloadKind = "location"
	KindContact  PayloadKind = "contact"
)

// Payload is the content of one outbound message. The variant set is closed;
// drivers switch on the concrete type.
type Payload interface {
	Kind() PayloadKind
	isPayload()
}

type Text struct {
	Body string
}

// Media is shared by the file-backed variants. URL may be an http(s) URL or
// a local path the driver uploads.
type Media struct {
	URL      string
	Caption  string
	FileName string
	MIME     string
}

type Image struct{ Media }
type Document struct{ Media }
type Video struct{ Media }
type Audio struct{ Media }

type Location struct {
	Latitude  float64
	Longitude float64
	Name      string
	Address   string
}

type Contact struct {
	FullName string
	Phone    string
}

func (Text) Kind() PayloadKind     { return KindText }
func (Image) Kind() PayloadKind    { return KindImage }
func (Document) Kind() PayloadKind { return KindDocument }
func (Video) Kind() PayloadKind    { return KindVideo }
func (Audio) Kind() PayloadKind    { return KindAudio }
func (Location) Kind() PayloadKind { return KindLocation }
func (Contact) Kind() PayloadKind  { return KindContact }

func (Text) isPayload()     {}
func (Image) isPayload()    {}
func (Document) isPayload() {}
func (Video) isPayload()    {}
func (Audio) isPayload()    {}
func (Location) isPayload() {}
func (Contact) isPayload()  {}

// MediaOf returns the media part of file-backed payloads.
func MediaOf(p Payload) (Media, bool) {
	switch v := p.(type) {
	case Image:
		return v.Media, true
	case Document:
		return v.Media, true
	case Video:
		return v.Media, true
	case Audio:
		return v.Media, true
	}
	return Media{}, false
}

// BuildMedia wraps m in the variant named by kind.
func BuildMedia(kind PayloadKind, m Media) (Payload, error) {
	switch kind {
	case KindImage:
		return Image{m}, nil
	case KindDocument:
		return Document{m}, nil
	case KindVideo:
		return Video{m}, nil
	case KindAudio:
		return Audio{m}, nil
	}
	return nil, fmt.Errorf("%w: %q is not a media kind", ErrBadPayload, kind)
}

var ErrBadPayload = errors.New("invalid payload")

// PayloadRecord is the flat persisted form of a Payload.
type PayloadRecord struct {
	Kind     PayloadKind
	Body     string
	MediaURL string
	Meta     string // JSON, variant specific
}

type mediaMeta struct {
	FileName string `json:"file_name,omitempty"`
	MIME     string `json:"mime,omitempty"`
}

type locationMeta struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type contactMeta struct {
	FullName string `json:"full_name"`
	Phone    string `json:"phone"`
}

func EncodePayload(p Payload) (PayloadRecord, error) {
	if p == nil {
		return PayloadRecord{}, fmt.Errorf("%w: nil", ErrBadPayload)
	}
	rec := PayloadRecord{Kind: p.Kind()}
	var meta any
	switch v := p.(type) {
	case Text:
		rec.Body = v.Body
	case Image, Document, Video, Audio:
		m, _ := MediaOf(v)
		if strings.TrimSpace(m.URL) == "" {
			return PayloadRecord{}, fmt.Errorf("%w: %s without url", ErrBadPayload, rec.Kind)
		}
		rec.Body = m.Caption
		rec.MediaURL = m.URL
		if m.FileName != "" || m.MIME != "" {
			meta = mediaMeta{FileName: m.FileName, MIME: m.MIME}
		}
	case Location:
		meta = locationMeta{Latitude: v.Latitude, Longitude: v.Longitude, Name: v.Name, Address: v.Address}
	case Contact:
		meta = contactMeta{FullName: v.FullName, Phone: v.Phone}
	default:
		return PayloadRecord{}, fmt.Errorf("%w: unknown variant %T", ErrBadPayload, p)
	}
	if meta != nil {
		b, err := json.Marshal(meta)
		if err != nil {
			return PayloadRecord{}, err
		}
		rec.Meta = string(b)
	}
	return rec, nil
}

func DecodePayload(rec PayloadRecord) (Payload, error) {
	switch rec.Kind {
	case KindText, "":
		return Text{Body: rec.Body}, nil
	case KindImage, KindDocument, KindVideo, KindAudio:
		var mm mediaMeta
		if err := unmarshalMeta(rec.Meta, &mm); err != nil {
			return nil, err
		}
		return BuildMedia(rec.Kind, Media{URL: rec.MediaURL, Caption: rec.Body, FileName: mm.FileName, MIME: mm.MIME})
	case KindLocation:
		var lm locationMeta
		if err := unmarshalMeta(rec.Meta, &lm); err != nil {
			return nil, err
		}
		return Location{Latitude: lm.Latitude, Longitude: lm.Longitude, Name: lm.Name, Address: lm.Address}, nil
	case KindContact:
		var cm contactMeta
		if err := unmarshalMeta(rec.Meta, &cm); err != nil {
			return nil, err
		}
		return Contact{FullName: cm.FullName, Phone: cm.Phone}, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrBadPayload, rec.Kind)
}

func unmarshalMeta(raw string, v any) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: meta: %v", ErrBadPayload, err)
	}
	return nil
}

// Summary is a short human label for logs and reports.
func Summary(p Payload) string {
	switch v := p.(type) {
	case Text:
		return truncate(v.Body, 64)
	case Location:
		return fmt.Sprintf("location %.5f,%.5f", v.Latitude, v.Longitude)
	case Contact:
		return "contact " + v.FullName
	}
	if m, ok := MediaOf(p); ok {
		return string(p.Kind()) + " " + m.URL
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

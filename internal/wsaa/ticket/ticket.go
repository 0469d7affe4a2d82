package ticket

import (
	"encoding/xml"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// DefaultWindow is applied on both sides of now so small clock skews do not get the ticket rejected.
const DefaultWindow = 10 * time.Minute

// Ticket is a login ticket request (TRA).
type Ticket struct {
	XMLName        xml.Name `xml:"loginTicketRequest"`
	Version        string   `xml:"version,attr"`
	UniqueID       uint32   `xml:"header>uniqueId"`
	GenerationTime string   `xml:"header>generationTime"`
	ExpirationTime string   `xml:"header>expirationTime"`
	Service        string   `xml:"service"`
}

func (t Ticket) Generated() (time.Time, error) { return time.Parse(time.RFC3339, t.GenerationTime) }
func (t Ticket) Expires() (time.Time, error) { return time.Parse(time.RFC3339, t.ExpirationTime) }

var lastUniqueID atomic.Uint32

// nextUniqueID is the current unix second, bumped past the last issued id so two tickets
// built within the same second never share an id.
func nextUniqueID(now time.Time) uint32 {
	for {
		last := lastUniqueID.Load()
		next := uint32(now.Unix())
		if next <= last {
			next = last + 1
		}
		if lastUniqueID.CompareAndSwap(last, next) {
			return next
		}
	}
}

type Builder struct {
	now func() time.Time
	loc *time.Location
}

// NewBuilder renders times in loc (AFIP expects Buenos Aires offsets, UTC is accepted too).
func NewBuilder(loc *time.Location) *Builder {
	if loc == nil {
		loc = time.UTC
	}
	return &Builder{now: time.Now, loc: loc}
}

// Build returns the ticket and its serialized XML document.
func (b *Builder) Build(service string, window time.Duration) (Ticket, []byte, error) {
	if service == "" {
		return Ticket{}, nil, errors.New("service is required")
	}
	if window <= 0 {
		window = DefaultWindow
	}
	now := b.now().In(b.loc).Truncate(time.Second)

	t := Ticket{
		Version:        "1.0",
		UniqueID:       nextUniqueID(now),
		GenerationTime: now.Add(-window).Format(time.RFC3339),
		ExpirationTime: now.Add(window).Format(time.RFC3339),
		Service:        service,
	}

	body, err := xml.Marshal(t)
	if err != nil {
		return Ticket{}, nil, errors.Wrap(err, "marshal login ticket")
	}
	doc := append([]byte(xml.Header), body...)
	return t, doc, nil
}

// BuildTicket uses a UTC builder.
func BuildTicket(service string, window time.Duration) (Ticket, []byte, error) {
	return NewBuilder(time.UTC).Build(service, window)
}

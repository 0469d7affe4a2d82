package declaration

import (
	"context"
	"strings"

	"github.com/BearBump/CustomsBox/internal/models"
)

type Auth struct {
	Token string
	Sign  string
	Cuit  string
}

// Request carries the opaque business document built by the caller.
type Request struct {
	Country           string
	WebserviceType    models.WebserviceType
	Environment       models.Environment
	Auth              Auth
	ExternalReference string
	TrackNumbers      []string
	Payload           []byte
}

type BusinessError struct {
	Code    string
	Message string
}

type Response struct {
	ConfirmationNumber string
	TrackNumbers       []string
	Errors             []BusinessError
}

// Rejected reports a business rejection inside an otherwise successful envelope.
func (r Response) Rejected() bool { return len(r.Errors) > 0 }

// Rejection joins the codes and messages of every business error.
func (r Response) Rejection() (code, msg string) {
	codes := make([]string, 0, len(r.Errors))
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		codes = append(codes, e.Code)
		msgs = append(msgs, e.Message)
	}
	return strings.Join(codes, ","), strings.Join(msgs, "; ")
}

type Client interface {
	Submit(ctx context.Context, req Request) (Response, error)
}

// Package soap is the minimal SOAP 1.1 transport shared by the WSAA and declaration clients.
package soap

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BearBump/CustomsBox/internal/customserr"
)

const (
	envelopeNS      = "http://schemas.xmlsoap.org/soap/envelope/"
	maxResponseSize = 8 << 20
)

// NewHTTPClient returns a client with a hard timeout. insecure disables peer verification and
// must only be set for homologation endpoints.
func NewHTTPClient(timeout time.Duration, insecure bool) *http.Client {
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecure, //nolint:gosec // homologation only, see callers
	}
	tr.TLSHandshakeTimeout = timeout
	return &http.Client{Timeout: timeout, Transport: tr}
}

type requestEnvelope struct {
	XMLName xml.Name `xml:"soapenv:Envelope"`
	NS      string   `xml:"xmlns:soapenv,attr"`
	Header  struct{} `xml:"soapenv:Header"`
	Body    struct {
		Content any
	} `xml:"soapenv:Body"`
}

type responseEnvelope struct {
	Body struct {
		Fault   *Fault `xml:"Fault"`
		Content []byte `xml:",innerxml"`
	} `xml:"Body"`
}

type Fault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
	Detail string `xml:"detail"`
}

// Call posts body wrapped in an envelope and decodes the response body element into out.
// Failures follow the customserr taxonomy: network, TLS, timeout and bare HTTP errors are
// transport errors; SOAP faults and unparsable envelopes are protocol errors.
func Call(ctx context.Context, httpc *http.Client, endpoint, action string, body, out any) error {
	env := requestEnvelope{NS: envelopeNS}
	env.Body.Content = body
	payload, err := xml.Marshal(env)
	if err != nil {
		return customserr.WrapProtocolError(err, "marshal soap request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(append([]byte(xml.Header), payload...)))
	if err != nil {
		return customserr.WrapTransportError(err, "new request")
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", fmt.Sprintf("%q", action))

	resp, err := httpc.Do(req)
	if err != nil {
		return customserr.WrapTransportError(err, "do request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return customserr.WrapTransportError(err, "read response")
	}

	var renv responseEnvelope
	if err := xml.Unmarshal(raw, &renv); err != nil {
		if resp.StatusCode/100 != 2 {
			return customserr.WrapTransportError(fmt.Errorf("http %d", resp.StatusCode), "soap endpoint")
		}
		return customserr.WrapProtocolError(err, "malformed soap envelope")
	}
	if f := renv.Body.Fault; f != nil {
		return customserr.NewRemoteFault(strings.TrimSpace(f.Code), strings.TrimSpace(f.String))
	}
	if resp.StatusCode/100 != 2 {
		return customserr.WrapTransportError(fmt.Errorf("http %d", resp.StatusCode), "soap endpoint")
	}
	if len(bytes.TrimSpace(renv.Body.Content)) == 0 {
		return customserr.NewProtocolError("empty soap body")
	}
	if out == nil {
		return nil
	}
	if err := xml.Unmarshal(renv.Body.Content, out); err != nil {
		return customserr.WrapProtocolError(err, "malformed soap response")
	}
	return nil
}

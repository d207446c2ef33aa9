// Package rfc3161 timestamps Merkle roots with an RFC 3161 Time-Stamp
// Authority. The returned token is stored beside the anchor; the anchor's
// external reference is the SHA-256 of that token.
package rfc3161

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// RefPrefix marks external references produced by this package.
const RefPrefix = "rfc3161:"

// maxReplySize bounds a TSA reply.
const maxReplySize = 1 << 20

var oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type messageImprint struct {
	HashAlgorithm algorithmIdentifier
	HashedMessage []byte
}

type timeStampReq struct {
	Version        int
	MessageImprint messageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	CertReq        bool                  `asn1:"optional"`
}

type pkiStatusInfo struct {
	Status       int
	StatusString asn1.RawValue  `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

type timeStampResp struct {
	Status         pkiStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

// PKIStatus values that carry a token.
const (
	statusGranted         = 0
	statusGrantedWithMods = 1
)

// ErrRejected is returned when the TSA answers but refuses the request.
var ErrRejected = errors.New("timestamp request rejected")

// Options configures a Client.
type Options struct {
	URL         string
	PolicyOID   string
	MaxAttempts int
	HTTPClient  *http.Client
	// BaseBackoff is the first retry delay; it doubles per attempt.
	BaseBackoff time.Duration
}

// Client requests timestamp tokens from one TSA.
type Client struct {
	url        string
	policy     asn1.ObjectIdentifier
	attempts   uint64
	backoff    time.Duration
	httpClient *http.Client
}

// NewClient validates opts and returns a Client.
func NewClient(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("tsa url is required")
	}

	c := &Client{
		url:        opts.URL,
		attempts:   uint64(max(opts.MaxAttempts, 1)),
		backoff:    opts.BaseBackoff,
		httpClient: opts.HTTPClient,
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	if c.backoff <= 0 {
		c.backoff = 500 * time.Millisecond
	}

	if p := strings.TrimSpace(opts.PolicyOID); p != "" {
		oid, err := parseOID(p)
		if err != nil {
			return nil, err
		}

		c.policy = oid
	}

	return c, nil
}

// Anchor timestamps a hex SHA-256 Merkle root and returns the external
// reference and raw token.
func (c *Client) Anchor(ctx context.Context, merkleRoot string) (string, []byte, error) {
	digest, err := hex.DecodeString(merkleRoot)
	if err != nil || len(digest) != sha256.Size {
		return "", nil, fmt.Errorf("invalid merkle root %q", merkleRoot)
	}

	reqDER, err := BuildRequest(digest, c.policy)
	if err != nil {
		return "", nil, err
	}

	var token []byte

	b := retry.WithMaxRetries(c.attempts-1, retry.NewExponential(c.backoff))

	err = retry.Do(ctx, b, func(ctx context.Context) error {
		reply, err := c.post(ctx, reqDER)
		if err != nil {
			return retry.RetryableError(err)
		}

		token, err = ParseResponse(reply)

		return err
	})
	if err != nil {
		return "", nil, err
	}

	return Ref(token), token, nil
}

// Ref returns the external reference for a token.
func Ref(token []byte) string {
	sum := sha256.Sum256(token)
	return RefPrefix + hex.EncodeToString(sum[:])
}

// BuildRequest DER-encodes a TimeStampReq for a SHA-256 digest.
func BuildRequest(digest []byte, policy asn1.ObjectIdentifier) ([]byte, error) {
	if len(digest) != sha256.Size {
		return nil, fmt.Errorf("digest must be %d bytes", sha256.Size)
	}

	req := timeStampReq{
		Version: 1,
		MessageImprint: messageImprint{
			HashAlgorithm: algorithmIdentifier{
				Algorithm:  oidSHA256,
				Parameters: asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagNull},
			},
			HashedMessage: digest,
		},
		ReqPolicy: policy,
		CertReq:   true,
	}

	return asn1.Marshal(req)
}

// ParseResponse extracts the token from a DER TimeStampResp.
func ParseResponse(der []byte) ([]byte, error) {
	var resp timeStampResp

	rest, err := asn1.Unmarshal(der, &resp)
	if err != nil {
		return nil, fmt.Errorf("decoding tsa reply: %w", err)
	}

	if len(rest) > 0 {
		return nil, errors.New("trailing data after tsa reply")
	}

	if resp.Status.Status != statusGranted && resp.Status.Status != statusGrantedWithMods {
		return nil, fmt.Errorf("%w: pki status %d", ErrRejected, resp.Status.Status)
	}

	if len(resp.TimeStampToken.FullBytes) == 0 {
		return nil, fmt.Errorf("%w: granted reply without token", ErrRejected)
	}

	return resp.TimeStampToken.FullBytes, nil
}

func (c *Client) post(ctx context.Context, reqDER []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqDER))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/timestamp-query")
	httpReq.Header.Set("Accept", "application/timestamp-reply")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tsa returned http %d", resp.StatusCode)
	}

	if len(body) == 0 {
		return nil, errors.New("tsa returned an empty reply")
	}

	return body, nil
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid policy oid %q", s)
	}

	oid := make(asn1.ObjectIdentifier, 0, len(parts))

	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid policy oid %q", s)
		}

		oid = append(oid, n)
	}

	return oid, nil
}

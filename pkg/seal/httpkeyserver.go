package seal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/memoryplane/memoryplane/pkg/memerr"
)

// HTTPKeyServer is a [KeyServer] backed by a remote key-share holder reached
// over HTTP: it POSTs a ShareRequest as JSON and takes the raw response body
// bytes as the share. The body is not parsed, since Share is an opaque blob
// with no internal structure the client needs to read.
type HTTPKeyServer struct {
	id     string
	weight int
	url    string
	client *http.Client
}

// NewHTTPKeyServer builds an [HTTPKeyServer] for one configured key server.
// timeout bounds every FetchShare call; zero means the client's default.
func NewHTTPKeyServer(id, url string, weight int, timeout time.Duration) *HTTPKeyServer {
	client := &http.Client{Timeout: timeout}
	return &HTTPKeyServer{id: id, weight: weight, url: url, client: client}
}

// Compile-time interface assertion.
var _ KeyServer = (*HTTPKeyServer)(nil)

func (s *HTTPKeyServer) ID() string  { return s.id }
func (s *HTTPKeyServer) Weight() int { return s.weight }

// FetchShare POSTs req as JSON to the server's configured URL and returns the
// response body as the opaque Share.
func (s *HTTPKeyServer) FetchShare(ctx context.Context, req ShareRequest) (Share, error) {
	body, err := json.Marshal(struct {
		SessionHandle      string `json:"session_handle"`
		ApprovalMessage    []byte `json:"approval_message"`
		RequestingIdentity string `json:"requesting_identity"`
	}{req.SessionHandle, req.ApprovalMessage, req.RequestingIdentity})
	if err != nil {
		return nil, fmt.Errorf("seal: key server %s: marshal request: %w", s.id, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("seal: key server %s: build request: %w", s.id, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("seal: key server %s: %w: %v", s.id, memerr.ErrKeyServerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("seal: key server %s: status %d: %w", s.id, resp.StatusCode, memerr.ErrKeyServerUnavailable)
	}

	share, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("seal: key server %s: read response: %w", s.id, err)
	}
	return Share(share), nil
}

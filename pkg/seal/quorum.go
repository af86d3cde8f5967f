package seal

import (
	"bytes"
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/memoryplane/memoryplane/pkg/memerr"
)

// Share is an opaque partial-decryption artifact returned by one key-share
// holder (spec glossary: "quorum share").
type Share []byte

// ShareRequest is submitted to every configured key server in parallel.
type ShareRequest struct {
	SessionHandle      string
	ApprovalMessage    []byte
	RequestingIdentity string
}

// KeyServer is a single configured key-share holder (spec §6).
type KeyServer interface {
	ID() string
	Weight() int
	FetchShare(ctx context.Context, req ShareRequest) (Share, error)
}

// quorumClient fetches shares from all configured servers concurrently and
// aggregates them once a weighted quorum threshold is reached.
type quorumClient struct {
	servers []KeyServer
	quorum  int
}

func newQuorumClient(servers []KeyServer, quorum int) *quorumClient {
	return &quorumClient{servers: servers, quorum: quorum}
}

// Aggregate fetches shares from every server and waits for all of them. It
// returns the common share when the responding servers' combined weight
// reaches the quorum and every response carries the same bytes. Responding
// weight below the quorum fails with [memerr.ErrKeyServerUnavailable]; any
// disagreement among the responses fails with
// [memerr.ErrInconsistentKeyServers]; the core does not retry this silently
// (spec §4.3 step 5).
func (q *quorumClient) Aggregate(ctx context.Context, req ShareRequest) (Share, error) {
	type response struct {
		server KeyServer
		share  Share
		err    error
	}

	responses := make([]response, len(q.servers))
	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range q.servers {
		i, srv := i, srv
		g.Go(func() error {
			share, err := srv.FetchShare(gctx, req)
			responses[i] = response{server: srv, share: share, err: err}
			return nil
		})
	}
	_ = g.Wait() // per-server errors are recorded in responses, not fatal to the group

	var (
		totalWeight int
		agreed      Share
		mismatch    bool
	)
	for _, r := range responses {
		if r.err != nil || r.share == nil {
			continue
		}
		totalWeight += r.server.Weight()
		switch {
		case agreed == nil:
			agreed = r.share
		case !bytes.Equal(agreed, r.share):
			mismatch = true
		}
	}

	if totalWeight < q.quorum {
		return nil, fmt.Errorf("seal: quorum not reached (%d/%d): %w", totalWeight, q.quorum, memerr.ErrKeyServerUnavailable)
	}
	if mismatch {
		return nil, fmt.Errorf("seal: key servers disagree: %w", memerr.ErrInconsistentKeyServers)
	}
	return agreed, nil
}

package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// instanceRecord mirrors the shape discovery.py's AwsEc2TagPeerProvider
// builds from boto3's describe_instances response (PrivateIpAddress plus
// the raft-port tag), after a caller-supplied discovery endpoint has
// already done the EC2 API call and tag filtering server-side. No AWS SDK
// is present anywhere in the retrieval pack to ground a direct boto3-
// equivalent call on, so this provider talks to a small HTTP discovery
// endpoint instead (documented in DESIGN.md rather than fabricating an AWS
// client library dependency).
type instanceRecord struct {
	PrivateIP string `json:"private_ip"`
	RaftPort  int    `json:"raft_port"`
}

// DynamicProvider resolves peers by polling an HTTP discovery endpoint that
// already knows how to enumerate running instances tagged with
// ClusterName, caching the result for CacheTTL so a fast ticker (election
// timeout checks, heartbeats) doesn't hammer the discovery endpoint on
// every call — matching discovery.py's need for the AWS-backed provider to
// be cheap to call frequently.
type DynamicProvider struct {
	Endpoint    string
	ClusterName string
	SelfIP      string
	CacheTTL    time.Duration
	Client      *http.Client
	Logger      *log.Logger

	mu       sync.Mutex
	cached   []string
	cachedAt time.Time
	logOnce  sync.Once
}

// NewDynamicProvider returns a DynamicProvider with the reference 5s cache
// TTL and a bounded-timeout HTTP client.
func NewDynamicProvider(endpoint, clusterName, selfIP string) *DynamicProvider {
	return &DynamicProvider{
		Endpoint:    endpoint,
		ClusterName: clusterName,
		SelfIP:      selfIP,
		CacheTTL:    5 * time.Second,
		Client:      &http.Client{Timeout: 3 * time.Second},
		Logger:      log.Default(),
	}
}

// Peers implements Provider. It excludes SelfIP from the returned set, the
// same self-filtering discovery.py performs by comparing PrivateIpAddress.
func (p *DynamicProvider) Peers(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	if p.cached != nil && time.Since(p.cachedAt) < p.CacheTTL {
		out := append([]string(nil), p.cached...)
		p.mu.Unlock()
		return out, nil
	}
	p.mu.Unlock()

	addrs, err := p.resolve(ctx)
	if err != nil {
		p.mu.Lock()
		if p.cached != nil {
			out := append([]string(nil), p.cached...)
			p.mu.Unlock()
			return out, nil
		}
		p.mu.Unlock()
		return nil, err
	}

	p.mu.Lock()
	p.cached = addrs
	p.cachedAt = time.Now()
	p.mu.Unlock()

	p.logOnce.Do(func() {
		logger := p.Logger
		if logger == nil {
			logger = log.Default()
		}
		logger.Printf("cluster: resolved raft peers for cluster %s: %v", p.ClusterName, addrs)
	})

	return addrs, nil
}

func (p *DynamicProvider) resolve(ctx context.Context) ([]string, error) {
	url := fmt.Sprintf("%s?cluster=%s", p.Endpoint, p.ClusterName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("cluster: build discovery request: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cluster: discovery request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cluster: discovery endpoint returned %d", resp.StatusCode)
	}

	var records []instanceRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("cluster: decode discovery response: %w", err)
	}

	out := make([]string, 0, len(records))
	for _, r := range records {
		if r.PrivateIP == p.SelfIP {
			continue
		}
		out = append(out, fmt.Sprintf("%s:%d", r.PrivateIP, r.RaftPort))
	}
	return out, nil
}

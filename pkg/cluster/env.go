package cluster

import (
	"fmt"
	"os"
	"strconv"
)

// FromEnv builds a Provider from the DCHAT_DISCOVERY_MODE environment
// variable, matching original_source's discovery.py
// build_peer_provider_from_env: "aws-ec2" selects a DynamicProvider
// configured from DCHAT_CLUSTER_NAME/DCHAT_PRIVATE_IP (plus a discovery
// endpoint, since no AWS SDK is available to ground a direct EC2 API call
// on); DCHAT_RAFT_PORT must also be set and numeric, but peer ports come
// from the discovery records. Anything else falls back to staticAddrs.
func FromEnv(staticAddrs []string) (Provider, error) {
	mode := os.Getenv("DCHAT_DISCOVERY_MODE")
	if mode != "aws-ec2" {
		return NewStaticProvider(staticAddrs), nil
	}

	cluster := os.Getenv("DCHAT_CLUSTER_NAME")
	privateIP := os.Getenv("DCHAT_PRIVATE_IP")
	portStr := os.Getenv("DCHAT_RAFT_PORT")
	endpoint := os.Getenv("DCHAT_DISCOVERY_ENDPOINT")
	if cluster == "" || privateIP == "" || portStr == "" || endpoint == "" {
		return nil, fmt.Errorf("cluster: aws-ec2 discovery requires DCHAT_CLUSTER_NAME, DCHAT_PRIVATE_IP, DCHAT_RAFT_PORT and DCHAT_DISCOVERY_ENDPOINT")
	}
	if _, err := strconv.Atoi(portStr); err != nil {
		return nil, fmt.Errorf("cluster: invalid DCHAT_RAFT_PORT %q: %w", portStr, err)
	}

	return NewDynamicProvider(endpoint, cluster, privateIP), nil
}

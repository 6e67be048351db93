package platform

import (
	"os"
	"strings"
	"time"
)

const (
	Colab      = "google_colab"
	Kaggle     = "kaggle"
	Lightning  = "lightning_ai"
	Paperspace = "paperspace"
	Vast       = "vast_ai"
	AWS        = "aws"
	GCP        = "gcp"
	Azure      = "azure"
	Local      = "local"
)

// Info describes the environment the launcher is running in.
type Info struct {
	Name                string
	NetworkRestrictions []string
	RecommendedTunnels  []string
}

// Detect inspects the process environment and hostname.
func Detect() Info {
	host, _ := os.Hostname()
	return DetectFrom(os.LookupEnv, host)
}

// DetectFrom is Detect with injectable lookups.
func DetectFrom(lookup func(string) (string, bool), hostname string) Info {
	has := func(keys ...string) bool {
		for _, k := range keys {
			if _, ok := lookup(k); ok {
				return true
			}
		}
		return false
	}

	switch {
	case has("COLAB_GPU", "COLAB_TPU_ADDR"):
		return Info{
			Name:                Colab,
			NetworkRestrictions: []string{"no_custom_domains", "port_restrictions"},
			RecommendedTunnels:  []string{"ngrok", "cloudflared", "localtunnel"},
		}
	case has("KAGGLE_URL_BASE"):
		return Info{
			Name:                Kaggle,
			NetworkRestrictions: []string{"no_outbound_internet", "limited_ports"},
			RecommendedTunnels:  []string{"ngrok"},
		}
	case has("LIGHTNING_CLOUD_URL"):
		return Info{Name: Lightning, RecommendedTunnels: []string{"gradio", "ngrok"}}
	case has("PAPERSPACE_NOTEBOOK_REPO_ID"):
		return Info{Name: Paperspace, RecommendedTunnels: []string{"ngrok", "cloudflared", "gradio", "localtunnel"}}
	case has("VAST_CONTAINERLABEL", "SSH_CONNECTION"):
		return Info{Name: Vast, RecommendedTunnels: []string{"ngrok", "cloudflared", "localtunnel"}}
	}

	host := strings.ToLower(hostname)
	switch {
	case containsAny(host, "aws", "ec2", "amazon"):
		return Info{Name: AWS}
	case containsAny(host, "gcp", "google", "compute"):
		return Info{Name: GCP}
	case containsAny(host, "azure", "microsoft"):
		return Info{Name: Azure}
	}
	return Info{Name: Local}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// RestrictNSFW reports whether previews above the Mature level must be skipped.
func (i Info) RestrictNSFW() bool {
	return i.Name == Kaggle
}

// Optimize adjusts supervisor defaults for the platform. Colab and Kaggle get
// at least 30s and 5 retries; Vast.ai is forced to the high security tier.
// A negative timeout means wait indefinitely and is kept.
func (i Info) Optimize(timeout time.Duration, retries int, security string) (time.Duration, int, string) {
	switch i.Name {
	case Colab, Kaggle:
		if timeout >= 0 && timeout < 30*time.Second {
			timeout = 30 * time.Second
		}
		if retries < 5 {
			retries = 5
		}
	case Vast:
		security = "high"
	}
	return timeout, retries, security
}

package docsync

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Daemon configuration. Listen addresses and the database URL may be
// overridden by flags/env in the command wrappers.
type Config struct {
	PeerListenAddr   string `yaml:"peer_listen_addr"`
	BridgeListenAddr string `yaml:"bridge_listen_addr"`
	DatabaseUrl      string `yaml:"database_url"`
	StorageTable     string `yaml:"storage_table"`

	// PeerAuthSecret enables signed peer tokens on join when set
	PeerAuthSecret string `yaml:"peer_auth_secret"`

	SharePolicy SharePolicyConfig `yaml:"share_policy"`
}

// SharePolicyConfig selects who may sync what. The zero value denies
// everything; sharing is opt-in.
type SharePolicyConfig struct {
	// Mode is one of "deny_all" (default), "allow_all", "allowlist"
	Mode string `yaml:"mode"`

	// Allow lists (peer, document) rules for allowlist mode. An empty
	// PeerId or DocId in a rule matches any peer or any document.
	Allow []ShareRule `yaml:"allow"`
}

type ShareRule struct {
	PeerId string `yaml:"peer_id"`
	DocId  string `yaml:"doc_id"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if _, err := config.SharePolicy.Compile(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return config, nil
}

// Compile turns the policy into the predicate the transport consults.
func (self *SharePolicyConfig) Compile() (SharePolicyFunc, error) {
	switch self.Mode {
	case "", "deny_all":
		return ShareNone, nil
	case "allow_all":
		return ShareAll, nil
	case "allowlist":
		type rule struct {
			peerId *Id
			docId  *Id
		}
		rules := make([]rule, 0, len(self.Allow))
		for _, allow := range self.Allow {
			compiled := rule{}
			if allow.PeerId != "" {
				peerId, err := ParseId(allow.PeerId)
				if err != nil {
					return nil, fmt.Errorf("share rule peer_id %s: %w", allow.PeerId, err)
				}
				compiled.peerId = &peerId
			}
			if allow.DocId != "" {
				docId, err := ParseId(allow.DocId)
				if err != nil {
					return nil, fmt.Errorf("share rule doc_id %s: %w", allow.DocId, err)
				}
				compiled.docId = &docId
			}
			rules = append(rules, compiled)
		}
		return func(peerId Id, documentId Id) bool {
			for _, r := range rules {
				if r.peerId != nil && *r.peerId != peerId {
					continue
				}
				if r.docId != nil && *r.docId != documentId {
					continue
				}
				return true
			}
			return false
		}, nil
	default:
		return nil, fmt.Errorf("unknown share policy mode %q", self.Mode)
	}
}

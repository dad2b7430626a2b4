package params

import (
	"context"
	"fmt"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/merge"
	"github.com/opendsc/opendsc/internal/store"
	"github.com/opendsc/opendsc/pkg/logging"
)

// Outcome is a resolved merge: the result plus the source labels that
// contributed, in precedence order. Result is nil when no active parameter
// file exists for the chain.
type Outcome struct {
	Result  *merge.Result
	Sources []string
}

// YAML serializes the merged document, or returns nil when there is no
// document.
func (o *Outcome) YAML() ([]byte, error) {
	if o == nil || o.Result == nil {
		return nil, nil
	}
	return o.Result.YAML()
}

// chainLink is one planned merge input: metadata resolved inside the read
// snapshot, content loaded outside it.
type chainLink struct {
	label       string
	precedence  int
	blobID      string
	contentType string
}

// MergeForNode resolves the node's effective parameters for one
// configuration: Default scope, then the node's tags in ascending scope
// type precedence, then the Node scope keyed by FQDN. Metadata is read in
// a single snapshot; content is loaded outside it and sources with missing
// content are skipped with a warning so the bundle stays buildable.
func (s *Service) MergeForNode(ctx context.Context, nodeID, configurationID string) (*Outcome, error) {
	var links []chainLink
	err := s.store.View(func(tx store.ReadTx) error {
		node := tx.Node(nodeID)
		if node == nil {
			return api.NewNotFoundError("node", nodeID)
		}
		if tx.ConfigurationByID(configurationID) == nil {
			return api.NewNotFoundError("configuration", configurationID)
		}
		set := tx.ParameterSet(configurationID)
		if set == nil {
			return nil
		}

		for _, st := range tx.ScopeTypes() {
			var value string
			switch st.Name {
			case store.ScopeTypeDefault:
				value = ""
			case store.ScopeTypeNode:
				value = node.FQDN
			default:
				tag := node.Tag(st.ID)
				if tag == nil {
					continue
				}
				value = tag.ScopeValue
			}
			if active := set.Active(st.ID, value); active != nil {
				links = append(links, chainLink{
					label:       sourceLabel(st.Name, value),
					precedence:  st.Precedence,
					blobID:      active.BlobID,
					contentType: active.ContentType,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.mergeChain(links)
}

// Preview merges the Default scope with one explicit scope slot, showing
// what a node carrying only that tag would receive.
func (s *Service) Preview(ctx context.Context, configurationID, scopeTypeID, scopeValue string) (*Outcome, error) {
	var links []chainLink
	err := s.store.View(func(tx store.ReadTx) error {
		if tx.ConfigurationByID(configurationID) == nil {
			return api.NewNotFoundError("configuration", configurationID)
		}
		if err := validateScopeSlot(tx, scopeTypeID, scopeValue); err != nil {
			return err
		}
		set := tx.ParameterSet(configurationID)
		if set == nil {
			return nil
		}

		target := tx.ScopeType(scopeTypeID)
		if def := tx.ScopeTypeByName(store.ScopeTypeDefault); def != nil && def.ID != target.ID {
			if active := set.Active(def.ID, ""); active != nil {
				links = append(links, chainLink{
					label:       sourceLabel(def.Name, ""),
					precedence:  def.Precedence,
					blobID:      active.BlobID,
					contentType: active.ContentType,
				})
			}
		}
		if active := set.Active(target.ID, scopeValue); active != nil {
			links = append(links, chainLink{
				label:       sourceLabel(target.Name, scopeValue),
				precedence:  target.Precedence,
				blobID:      active.BlobID,
				contentType: active.ContentType,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.mergeChain(links)
}

// ResolveNodeConfiguration turns a configuration name into the id to merge
// for. With an empty name the node's assignment is used; nodes assigned a
// composite must name one of its child configurations explicitly.
func (s *Service) ResolveNodeConfiguration(ctx context.Context, nodeID, configuration string) (string, error) {
	var configID string
	err := s.store.View(func(tx store.ReadTx) error {
		node := tx.Node(nodeID)
		if node == nil {
			return api.NewNotFoundError("node", nodeID)
		}
		name := configuration
		if name == "" {
			if node.Assignment == nil {
				return api.NewValidationError("node %s has no configuration assigned", node.FQDN)
			}
			if node.Assignment.Composite != "" {
				return api.NewValidationError("node %s is assigned composite %q; name a child configuration", node.FQDN, node.Assignment.Composite)
			}
			name = node.Assignment.Configuration
		}
		cfg := tx.Configuration(name)
		if cfg == nil {
			return api.NewNotFoundError("configuration", name)
		}
		configID = cfg.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	return configID, nil
}

// mergeChain loads each link's content and runs the merger. A link whose
// blob is gone is dropped, not fatal; undecodable content is an integrity
// failure since upload validated it.
func (s *Service) mergeChain(links []chainLink) (*Outcome, error) {
	if len(links) == 0 {
		return &Outcome{}, nil
	}
	docs := make([]merge.Document, 0, len(links))
	sources := make([]string, 0, len(links))
	for _, link := range links {
		data, err := s.store.Blobs().Bytes(link.blobID)
		if err != nil {
			logging.Warn("Params", "Skipping parameter source %s: content %s unavailable: %v", link.label, link.blobID, err)
			continue
		}
		doc, err := merge.Decode(link.label, link.contentType, data)
		if err != nil {
			return nil, api.NewIntegrityError("parameter content for %s is invalid: %v", link.label, err)
		}
		docs = append(docs, merge.Document{
			Source:     link.label,
			Precedence: link.precedence,
			Data:       doc,
		})
		sources = append(sources, link.label)
	}
	if len(docs) == 0 {
		return &Outcome{}, nil
	}
	result, err := merge.Merge(docs)
	if err != nil {
		return nil, err
	}
	return &Outcome{Result: result, Sources: sources}, nil
}

// sourceLabel names a merge input: the bare type name for valueless
// scopes, "Type:Value" otherwise.
func sourceLabel(typeName, value string) string {
	if value == "" {
		return typeName
	}
	return fmt.Sprintf("%s:%s", typeName, value)
}

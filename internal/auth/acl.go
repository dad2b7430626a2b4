package auth

import (
	"context"
	"sort"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/store"
	"github.com/opendsc/opendsc/pkg/logging"
)

// Grant inserts an ACL row. An existing row for the same principal and
// resource has its level replaced. For parameter grants the resource id is
// the owning configuration's id: parameter access is scoped per
// configuration, not per uploaded document.
func (s *Service) Grant(ctx context.Context, entry api.ACLEntryInfo) error {
	if err := validateACLEntry(entry); err != nil {
		return err
	}
	err := s.store.Update(func(tx store.WriteTx) error {
		if err := principalExists(tx, entry); err != nil {
			return err
		}
		if err := resourceExists(tx, entry.ResourceType, entry.ResourceID); err != nil {
			return err
		}
		table := tx.ACL().Clone()
		replaced := false
		for _, row := range table.Entries {
			if sameACLTarget(row, entry) {
				row.Level = entry.Level
				replaced = true
				break
			}
		}
		if !replaced {
			table.Entries = append(table.Entries, &store.ACLEntry{
				PrincipalID:   entry.Principal,
				PrincipalType: entry.PrincipalType,
				ResourceType:  entry.ResourceType,
				ResourceID:    entry.ResourceID,
				Level:         entry.Level,
			})
		}
		tx.SaveACL(table)
		return nil
	})
	if err != nil {
		return err
	}
	logging.Audit(logging.AuditEvent{
		Action:    "acl_grant",
		Outcome:   "success",
		Principal: entry.Principal,
		Target:    entry.ResourceType + "/" + entry.ResourceID,
		Detail:    entry.Level,
	})
	return nil
}

// Revoke removes the ACL row for the given principal and resource.
func (s *Service) Revoke(ctx context.Context, entry api.ACLEntryInfo) error {
	err := s.store.Update(func(tx store.WriteTx) error {
		table := tx.ACL().Clone()
		for i, row := range table.Entries {
			if sameACLTarget(row, entry) {
				table.Entries = append(table.Entries[:i], table.Entries[i+1:]...)
				tx.SaveACL(table)
				return nil
			}
		}
		return api.NewNotFoundError("acl entry", entry.Principal+" on "+entry.ResourceType+"/"+entry.ResourceID)
	})
	if err != nil {
		return err
	}
	logging.Audit(logging.AuditEvent{
		Action:    "acl_revoke",
		Outcome:   "success",
		Principal: entry.Principal,
		Target:    entry.ResourceType + "/" + entry.ResourceID,
	})
	return nil
}

// ListGrants returns ACL rows, filtered by resource type and id when given.
func (s *Service) ListGrants(ctx context.Context, resourceType, resourceID string) ([]*store.ACLEntry, error) {
	var entries []*store.ACLEntry
	err := s.store.View(func(tx store.ReadTx) error {
		for _, row := range tx.ACL().Entries {
			if resourceType != "" && row.ResourceType != resourceType {
				continue
			}
			if resourceID != "" && row.ResourceID != resourceID {
				continue
			}
			clone := *row
			entries = append(entries, &clone)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.ResourceType != b.ResourceType {
			return a.ResourceType < b.ResourceType
		}
		if a.ResourceID != b.ResourceID {
			return a.ResourceID < b.ResourceID
		}
		if a.PrincipalType != b.PrincipalType {
			return a.PrincipalType < b.PrincipalType
		}
		return a.PrincipalID < b.PrincipalID
	})
	return entries, nil
}

// GrantOwner seeds the creator's rows for a fresh resource: Manage on the
// resource itself, and for configurations also Manage on its parameter
// namespace. Missing principals are ignored so system-driven creates do not
// fail.
func (s *Service) GrantOwner(ctx context.Context, username, resourceType, resourceID string) error {
	if username == "" {
		return nil
	}
	return s.store.Update(func(tx store.WriteTx) error {
		if tx.User(username) == nil {
			return nil
		}
		table := tx.ACL().Clone()
		add := func(rtype string) {
			for _, row := range table.Entries {
				if row.PrincipalType == store.PrincipalUser && row.PrincipalID == username &&
					row.ResourceType == rtype && row.ResourceID == resourceID {
					row.Level = store.LevelManage
					return
				}
			}
			table.Entries = append(table.Entries, &store.ACLEntry{
				PrincipalID:   username,
				PrincipalType: store.PrincipalUser,
				ResourceType:  rtype,
				ResourceID:    resourceID,
				Level:         store.LevelManage,
			})
		}
		add(resourceType)
		if resourceType == store.ResourceConfiguration {
			add(store.ResourceParameter)
		}
		tx.SaveACL(table)
		return nil
	})
}

func validateACLEntry(entry api.ACLEntryInfo) error {
	if entry.Principal == "" {
		return api.NewFieldValidationError("principal", "must not be empty")
	}
	if entry.PrincipalType != store.PrincipalUser && entry.PrincipalType != store.PrincipalGroup {
		return api.NewFieldValidationError("principalType", "%q is not one of user, group", entry.PrincipalType)
	}
	if entry.ResourceID == "" {
		return api.NewFieldValidationError("resourceId", "must not be empty")
	}
	if _, err := overridePermission(entry.ResourceType); err != nil {
		return err
	}
	if _, ok := levelRank[entry.Level]; !ok {
		return api.NewFieldValidationError("level", "%q is not one of Read, Modify, Manage", entry.Level)
	}
	return nil
}

func principalExists(tx store.ReadTx, entry api.ACLEntryInfo) error {
	switch entry.PrincipalType {
	case store.PrincipalUser:
		if tx.User(entry.Principal) == nil {
			return api.NewNotFoundError("user", entry.Principal)
		}
	case store.PrincipalGroup:
		if tx.Group(entry.Principal) == nil {
			return api.NewNotFoundError("group", entry.Principal)
		}
	}
	return nil
}

func resourceExists(tx store.ReadTx, resourceType, resourceID string) error {
	switch resourceType {
	case store.ResourceConfiguration, store.ResourceParameter:
		if tx.ConfigurationByID(resourceID) == nil {
			return api.NewNotFoundError("configuration", resourceID)
		}
	case store.ResourceComposite:
		if tx.CompositeByID(resourceID) == nil {
			return api.NewNotFoundError("composite configuration", resourceID)
		}
	}
	return nil
}

// sameACLTarget matches rows on principal and resource, ignoring the level.
func sameACLTarget(row *store.ACLEntry, entry api.ACLEntryInfo) bool {
	return row.PrincipalID == entry.Principal &&
		row.PrincipalType == entry.PrincipalType &&
		row.ResourceType == entry.ResourceType &&
		row.ResourceID == entry.ResourceID
}

// dropPrincipalRows removes every ACL row held by the principal. Runs
// inside the caller's transaction.
func dropPrincipalRows(tx store.WriteTx, principalType, principalID string) {
	table := tx.ACL().Clone()
	kept := table.Entries[:0]
	for _, row := range table.Entries {
		if row.PrincipalType == principalType && row.PrincipalID == principalID {
			continue
		}
		kept = append(kept, row)
	}
	if len(kept) == len(table.Entries) {
		return
	}
	table.Entries = kept
	tx.SaveACL(table)
}

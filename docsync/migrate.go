package docsync

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/automerge/automerge-go"
	jsonpatch "github.com/evanphx/json-patch"

	"github.com/golang/glog"
)

// MigrateFunc upgrades document content to the current schema version.
// It must be pure and idempotent, and must leave the version field
// unchanged when no transform was needed.
type MigrateFunc func(content map[string]any) (map[string]any, error)

// Migrator folds a content migration back into a document's own change
// log. The transformed content is never written wholesale: the document's
// change tracking is tied to mutating the live representation, and a
// replacement value would not be recorded as an edit, silently
// desynchronizing already-connected peers. Instead the pipeline computes
// a field-level diff and applies it as an ordinary edit.
type Migrator struct {
	migrate MigrateFunc
}

func NewMigrator(migrate MigrateFunc) *Migrator {
	return &Migrator{
		migrate: migrate,
	}
}

// Run brings the handle's content to the current schema version. A
// version match is the no-op fast path: no edit is generated. On any
// failure the document is left completely untouched.
func (self *Migrator) Run(ctx context.Context, handle *DocHandle) error {
	if self.migrate == nil {
		return nil
	}

	content, err := handle.Content()
	if err != nil {
		return fmt.Errorf("%w: read content: %v", ErrMigration, err)
	}
	before, err := normalizeContent(content)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMigration, err)
	}

	migrated, err := self.migrate(mustNormalizeContent(before))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMigration, err)
	}
	after, err := normalizeContent(migrated)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMigration, err)
	}

	if reflect.DeepEqual(before["version"], after["version"]) {
		glog.V(1).Infof("[m]%s up to date (version %v)\n", handle.Id(), before["version"])
		return nil
	}

	beforeJson, err := json.Marshal(before)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMigration, err)
	}
	afterJson, err := json.Marshal(after)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMigration, err)
	}
	patchJson, err := jsonpatch.CreateMergePatch(beforeJson, afterJson)
	if err != nil {
		return fmt.Errorf("%w: diff: %v", ErrMigration, err)
	}
	patch := map[string]any{}
	if err := json.Unmarshal(patchJson, &patch); err != nil {
		return fmt.Errorf("%w: %v", ErrMigration, err)
	}
	if len(patch) == 0 {
		return nil
	}

	err = handle.Change(ctx, fmt.Sprintf("migrate to version %v", after["version"]), func(doc *automerge.Doc) error {
		return applyMergePatch(doc.RootMap(), patch)
	})
	if err != nil {
		return fmt.Errorf("%w: apply: %v", ErrMigration, err)
	}
	glog.V(1).Infof("[m]%s migrated %v -> %v\n", handle.Id(), before["version"], after["version"])
	return nil
}

// applyMergePatch applies a JSON merge patch (RFC 7386) as field-level
// edits: null deletes, nested objects recurse into existing maps, and
// everything else is a set.
func applyMergePatch(target *automerge.Map, patch map[string]any) error {
	for key, value := range patch {
		if value == nil {
			if err := target.Delete(key); err != nil {
				return err
			}
			continue
		}
		if subPatch, ok := value.(map[string]any); ok {
			existing, err := target.Get(key)
			if err != nil {
				return err
			}
			if existing.Kind() == automerge.KindMap {
				if err := applyMergePatch(existing.Map(), subPatch); err != nil {
					return err
				}
				continue
			}
		}
		if err := target.Set(key, value); err != nil {
			return err
		}
	}
	return nil
}

// normalizeContent round-trips content through JSON so that values from
// the CRDT library and values from migration code compare and diff on
// equal footing (all numbers as float64, all maps as map[string]any).
// It also serves as the deep copy that keeps the migrate function from
// observing shared state.
func normalizeContent(content map[string]any) (map[string]any, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func mustNormalizeContent(content map[string]any) map[string]any {
	out, err := normalizeContent(content)
	if err != nil {
		panic(err)
	}
	return out
}

// VersionedMigration builds a MigrateFunc from per-version steps. Each
// step upgrades content from exactly its version and must set the new
// version field itself. Content already at currentVersion passes through
// untouched, which is what makes the composed function idempotent.
func VersionedMigration(currentVersion int, steps map[int]MigrateFunc) MigrateFunc {
	return func(content map[string]any) (map[string]any, error) {
		for {
			version := contentVersion(content)
			if currentVersion <= version {
				return content, nil
			}
			step, ok := steps[version]
			if !ok {
				return nil, fmt.Errorf("no migration step from version %d", version)
			}
			next, err := step(content)
			if err != nil {
				return nil, err
			}
			if contentVersion(next) <= version {
				return nil, fmt.Errorf("migration step from version %d did not advance", version)
			}
			content = next
		}
	}
}

func contentVersion(content map[string]any) int {
	switch v := content["version"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}

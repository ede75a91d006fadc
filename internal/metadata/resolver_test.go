package metadata

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/rs/zerolog"

	"github.com/caseidx/caseidx/internal/domain"
)

func newTestLoader(t *testing.T, files map[string]string) *Loader {
	t.Helper()
	fsys := fstest.MapFS{}
	for name, body := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(body)}
	}
	loader := NewLoader(fsys, zerolog.Nop())
	if err := loader.Load(); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	return loader
}

func TestResolveInheritanceMerge(t *testing.T) {
	loader := newTestLoader(t, map[string]string{
		"base.json": `{
			"class": "BaseCase",
			"mappings": [
				{"column": "case_ref", "jsonPath": "$.ref"},
				{"column": "priority", "jsonPath": "$.meta.priority"}
			]
		}`,
		"order.json": `{
			"class": "OrderCase",
			"entityType": "Order",
			"parent": "BaseCase",
			"mappings": [
				{"column": "priority", "jsonPath": "$.priority"},
				{"column": "order_total", "jsonPath": "$.total", "type": "decimal"}
			]
		}`,
	})
	r := NewResolver(loader, nil, zerolog.Nop())

	mappings := r.Resolve(context.Background(), "OrderCase")
	if len(mappings) != 3 {
		t.Fatalf("expected 3 merged mappings, got %d: %+v", len(mappings), mappings)
	}

	byCol := map[string]domain.FieldMapping{}
	for _, m := range mappings {
		byCol[m.Column] = m
	}
	if byCol["case_ref"].JSONPath != "$.ref" {
		t.Errorf("inherited mapping lost: %+v", byCol["case_ref"])
	}
	if byCol["priority"].JSONPath != "$.priority" {
		t.Errorf("child mapping must replace the inherited one, got path %q", byCol["priority"].JSONPath)
	}
	if byCol["priority"].SourceClass != "OrderCase" {
		t.Errorf("provenance should name the winning class, got %q", byCol["priority"].SourceClass)
	}
}

func TestResolveTombstone(t *testing.T) {
	loader := newTestLoader(t, map[string]string{
		"base.json": `{
			"class": "BaseCase",
			"mappings": [
				{"column": "internal_notes", "jsonPath": "$.notes"},
				{"column": "case_ref", "jsonPath": "$.ref"}
			]
		}`,
		"order.json": `{
			"class": "OrderCase",
			"parent": "BaseCase",
			"mappings": [{"column": "internal_notes", "remove": true}]
		}`,
	})
	r := NewResolver(loader, nil, zerolog.Nop())

	mappings := r.Resolve(context.Background(), "OrderCase")
	for _, m := range mappings {
		if m.Column == "internal_notes" {
			t.Fatalf("tombstoned column survived the merge: %+v", mappings)
		}
	}
	if len(mappings) != 1 || mappings[0].Column != "case_ref" {
		t.Fatalf("expected only case_ref to survive, got %+v", mappings)
	}
}

type stubOverrides struct {
	byEntityType map[string]*domain.MetadataOverride
	err          error
}

func (s *stubOverrides) LatestEnabledByEntityType(_ context.Context, entityType string) (*domain.MetadataOverride, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.byEntityType[entityType], nil
}

func (s *stubOverrides) LatestEnabledByClassName(context.Context, string) (*domain.MetadataOverride, error) {
	return nil, s.err
}

func TestResolveOverrideReplacesCanonical(t *testing.T) {
	loader := newTestLoader(t, map[string]string{
		"order.json": `{
			"class": "Order",
			"entityType": "Order",
			"mappings": [
				{"column": "order_total", "jsonPath": "$.total"},
				{"column": "customer_id", "jsonPath": "$.customer.id"}
			]
		}`,
	})
	overrides := &stubOverrides{byEntityType: map[string]*domain.MetadataOverride{
		"Order": {
			ClassName:  "Order",
			EntityType: "Order",
			Enabled:    true,
			Definition: `{"class": "Order", "mappings": [{"column": "order_total", "jsonPath": "$.grand_total"}]}`,
		},
	}}
	r := NewResolver(loader, overrides, zerolog.Nop())

	mappings := r.Resolve(context.Background(), "Order")
	if len(mappings) != 1 {
		t.Fatalf("override must replace, not merge with, the canonical definition: %+v", mappings)
	}
	if mappings[0].JSONPath != "$.grand_total" || mappings[0].SourceKind != SourceOverride {
		t.Fatalf("unexpected winning mapping: %+v", mappings[0])
	}
}

func TestResolveCycleTruncates(t *testing.T) {
	loader := newTestLoader(t, map[string]string{
		"a.json": `{"class": "A", "parent": "B", "mappings": [{"column": "a_col", "jsonPath": "$.a"}]}`,
		"b.json": `{"class": "B", "parent": "A", "mappings": [{"column": "b_col", "jsonPath": "$.b"}]}`,
	})
	r := NewResolver(loader, nil, zerolog.Nop())

	mappings := r.Resolve(context.Background(), "A")
	if len(mappings) != 2 {
		t.Fatalf("cycle should truncate after one pass, got %+v", mappings)
	}
	if _, ok := r.Diagnostics()["A"]; !ok {
		t.Error("expected a recorded diagnostic for the truncated cycle")
	}
}

func TestResolveFailureYieldsEmptySet(t *testing.T) {
	loader := newTestLoader(t, nil)
	r := NewResolver(loader, &stubOverrides{err: errors.New("db down")}, zerolog.Nop())

	if got := r.Resolve(context.Background(), "Order"); len(got) != 0 {
		t.Fatalf("expected empty mapping set on failure, got %+v", got)
	}
	if got := r.Resolve(context.Background(), "NoSuchClass"); len(got) != 0 {
		t.Fatalf("expected empty mapping set for unknown class, got %+v", got)
	}
}

func TestEvictForcesRebuild(t *testing.T) {
	loader := newTestLoader(t, map[string]string{
		"order.json": `{"class": "Order", "entityType": "Order", "mappings": [{"column": "order_total", "jsonPath": "$.total"}]}`,
	})
	overrides := &stubOverrides{byEntityType: map[string]*domain.MetadataOverride{}}
	r := NewResolver(loader, overrides, zerolog.Nop())

	before := r.Resolve(context.Background(), "Order")
	if len(before) != 1 || before[0].JSONPath != "$.total" {
		t.Fatalf("unexpected canonical resolution: %+v", before)
	}

	overrides.byEntityType["Order"] = &domain.MetadataOverride{
		ClassName:  "Order",
		EntityType: "Order",
		Enabled:    true,
		Definition: `{"class": "Order", "mappings": [{"column": "order_total", "jsonPath": "$.grand_total"}]}`,
	}

	// Still cached.
	if got := r.Resolve(context.Background(), "Order"); got[0].JSONPath != "$.total" {
		t.Fatalf("expected cached result before eviction, got %+v", got)
	}

	r.Evict("Order")
	if got := r.Resolve(context.Background(), "Order"); got[0].JSONPath != "$.grand_total" {
		t.Fatalf("expected override after eviction, got %+v", got)
	}

	r.EvictAll()
	if got := r.Resolve(context.Background(), "Order"); got[0].JSONPath != "$.grand_total" {
		t.Fatalf("expected override after full eviction, got %+v", got)
	}
}

func TestLegacyPathsProjection(t *testing.T) {
	loader := newTestLoader(t, map[string]string{
		"order.json": `{
			"class": "Order",
			"mappings": [
				{"column": "order_total", "jsonPath": "$.total"},
				{"column": "customer_id", "jsonPath": "$.customer.id"}
			]
		}`,
	})
	r := NewResolver(loader, nil, zerolog.Nop())

	paths := r.LegacyPaths(context.Background(), "Order")
	if len(paths) != 2 {
		t.Fatalf("expected 2 path mappings, got %+v", paths)
	}
	if paths[0].Column != "order_total" || paths[0].JSONPath != "$.total" {
		t.Errorf("order not preserved: %+v", paths)
	}
}

func TestResolveMixinMerge(t *testing.T) {
	loader := newTestLoader(t, map[string]string{
		"audit.json": `{
			"class": "Auditable",
			"mappings": [
				{"column": "created_by", "jsonPath": "$.audit.creator"},
				{"column": "channel", "jsonPath": "$.audit.channel"}
			]
		}`,
		"order.json": `{
			"class": "OrderCase",
			"mixins": ["Auditable"],
			"mappings": [
				{"column": "channel", "jsonPath": "$.channel"},
				{"column": "order_total", "jsonPath": "$.total"}
			]
		}`,
	})
	r := NewResolver(loader, nil, zerolog.Nop())

	mappings := r.Resolve(context.Background(), "OrderCase")
	if len(mappings) != 3 {
		t.Fatalf("expected 3 merged mappings, got %d: %+v", len(mappings), mappings)
	}

	byCol := map[string]domain.FieldMapping{}
	for _, m := range mappings {
		byCol[m.Column] = m
	}
	if byCol["created_by"].JSONPath != "$.audit.creator" {
		t.Errorf("mixin mapping lost: %+v", byCol["created_by"])
	}
	if byCol["created_by"].SourceClass != "Auditable" {
		t.Errorf("provenance should name the mixin class, got %q", byCol["created_by"].SourceClass)
	}
	if byCol["channel"].JSONPath != "$.channel" {
		t.Errorf("a definition's own mapping must win over its mixin, got path %q", byCol["channel"].JSONPath)
	}
}

func TestResolveMixinAppliesPerChainLevel(t *testing.T) {
	loader := newTestLoader(t, map[string]string{
		"audit.json": `{
			"class": "Auditable",
			"mappings": [{"column": "created_by", "jsonPath": "$.audit.creator"}]
		}`,
		"base.json": `{
			"class": "BaseCase",
			"mixins": ["Auditable"],
			"mappings": [{"column": "case_ref", "jsonPath": "$.ref"}]
		}`,
		"order.json": `{
			"class": "OrderCase",
			"parent": "BaseCase",
			"mappings": [{"column": "created_by", "jsonPath": "$.creator"}]
		}`,
	})
	r := NewResolver(loader, nil, zerolog.Nop())

	mappings := r.Resolve(context.Background(), "OrderCase")
	byCol := map[string]domain.FieldMapping{}
	for _, m := range mappings {
		byCol[m.Column] = m
	}
	if byCol["case_ref"].JSONPath != "$.ref" {
		t.Errorf("inherited mapping lost: %+v", byCol["case_ref"])
	}
	// The parent's mixin merged at the parent's level, so the child still
	// overrides it.
	if byCol["created_by"].JSONPath != "$.creator" {
		t.Errorf("child mapping must replace the ancestor's mixin, got path %q", byCol["created_by"].JSONPath)
	}
}

func TestResolveMixinCycleRecordsDiagnostic(t *testing.T) {
	loader := newTestLoader(t, map[string]string{
		"base.json": `{
			"class": "BaseCase",
			"mappings": [{"column": "case_ref", "jsonPath": "$.ref"}]
		}`,
		"order.json": `{
			"class": "OrderCase",
			"parent": "BaseCase",
			"mixins": ["BaseCase", "Missing"],
			"mappings": [{"column": "order_total", "jsonPath": "$.total"}]
		}`,
	})
	r := NewResolver(loader, nil, zerolog.Nop())

	mappings := r.Resolve(context.Background(), "OrderCase")
	if len(mappings) != 2 {
		t.Fatalf("mixin naming a chain class must be skipped, got %+v", mappings)
	}
	if _, ok := r.Diagnostics()["OrderCase"]; !ok {
		t.Error("expected a recorded diagnostic for the circular mixin")
	}
}

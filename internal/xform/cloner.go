package xform

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/steveyegge/imodel-transformer/internal/txlog"
)

// Binding holds the parameter values bound into a ClassPlan statement,
// keyed by the same parameter names ClassPlan generated (PopulateNames,
// HydrateNames, InsertNames, BinaryParams) plus the reserved keys
// "target_id", "source_id", and "source_json".
type Binding map[string]interface{}

// SourceRow is a materialized source row: its JSON projection (used for
// non-reference scalars via JSON_EXTRACT) plus the raw column values
// (navigation id/relclass pairs, Id-typed longs, points, binary blobs,
// id sets, primitives) keyed by PropertyDescriptor column name.
type SourceRow struct {
	Id     Id
	JSON   string
	Values map[string]interface{}
	Code   Code
}

// SpecialHandler overrides the default navigation-property cloning rule
// for a named property whose reference shape isn't a plain (Id,
// RelECClassId) pair — e.g. baseModel (see
// Orchestrator.registerSpecialHandlers). The Code triple's spec/scope
// are not handled here but by applyElementAdjustments. modelSelector, categorySelector, and displayStyle's
// excludedElements are id-set properties (spec.md §4.5) and need no
// entry here: ClassMetadata's schema-driven PropIdSet kind (see
// classmeta.go's lowerProperty) routes them through the PropIdSet case
// in Clone below instead of through a named handler.
//
// GetSource extracts the entity reference the handler manages from the
// row; SetTarget writes the resolved reference into the binding.
type SpecialHandler struct {
	GetSource func(row *SourceRow) EntityRef
	SetTarget func(b Binding, ref EntityRef)
}

// Cloner produces bound values for a ClassPlan statement from a source
// row, consulting RefTypeCache and RemapContext for every reference
// (spec.md §4.5).
type Cloner struct {
	RefCache *RefTypeCache
	Remap    *RemapContext
	Handlers map[string]SpecialHandler

	// SourceEqualsTarget is true when transforming a database into
	// itself (spec.md §4.5, federationGuid restore rule).
	SourceEqualsTarget bool

	// OnCloned is invoked per target class name, if registered, after
	// binding but before the caller executes the hydrate statement
	// (spec.md §6 "onCloned hook").
	OnCloned map[string]func(ctx context.Context, b Binding)
}

// NewCloner constructs a Cloner with no special handlers registered; use
// RegisterHandler to add the caller-supplied special-handler map.
func NewCloner(refCache *RefTypeCache, remap *RemapContext) *Cloner {
	return &Cloner{
		RefCache: refCache,
		Remap:    remap,
		Handlers: make(map[string]SpecialHandler),
		OnCloned: make(map[string]func(context.Context, Binding)),
	}
}

// RegisterHandler installs a special-handler for a named property.
func (c *Cloner) RegisterHandler(property string, h SpecialHandler) {
	c.Handlers[property] = h
}

// RegisterOnCloned installs a per-class post-clone hook.
func (c *Cloner) RegisterOnCloned(className string, hook func(context.Context, Binding)) {
	c.OnCloned[className] = hook
}

// Clone binds a ClassPlan's parameters from row. It returns the bound
// values plus the list of properties whose reference failed to resolve
// (dangling), so the Orchestrator can apply the danglingReferencesBehavior
// policy (spec.md §7) uniformly across callers.
func (c *Cloner) Clone(ctx context.Context, row *SourceRow, class *ClassMetadata, plan *ClassPlan, targetId Id) (Binding, []string, error) {
	b := make(Binding)
	b["target_id"] = uint64(targetId)
	b["source_id"] = uint64(row.Id)
	b["source_json"] = row.JSON

	var dangling []string

	for _, p := range class.Properties {
		if h, ok := c.Handlers[p.Name]; ok {
			ref := h.GetSource(row)
			resolved, err := c.Remap.FindTargetEntityId(ctx, ref)
			if err != nil {
				return nil, nil, err
			}
			if ref.IsValid() && !resolved.IsValid() {
				dangling = append(dangling, p.Name)
			}
			h.SetTarget(b, resolved)
			continue
		}

		switch p.Kind {
		case PropNavigation:
			rawId := Id(asInt64(row.Values[p.NavIdColumn]))
			rawRel := asInt64(row.Values[p.NavRelClassColumn])

			kind, err := c.RefCache.Lookup(class.SchemaName, class.ClassName, p.Name)
			if err != nil {
				return nil, nil, err
			}

			idParam := "n_" + sanitize(p.NavIdColumn)
			relParam := "r_" + sanitize(p.NavRelClassColumn)

			if kind == KindRelationship {
				// Relationship endpoints need the recursive Go-side
				// resolution of RemapContext.findTargetRelationshipId;
				// there is no single inline SQL expression for it, so
				// Cloner resolves it here and binds the final id
				// directly (ClassPlan emits a plain ":"+idParam for
				// this case — see classplan.go's Relationship branch).
				resolved, err := c.Remap.FindTargetEntityId(ctx, EntityRef{Kind: KindRelationship, ID: rawId})
				if err != nil {
					return nil, nil, err
				}
				if rawId.IsValid() && !resolved.IsValid() {
					dangling = append(dangling, p.Name)
				}
				b[idParam] = uint64(resolved.ID)
				b[relParam] = rawRel
				continue
			}

			// Ordinary element/aspect/model/codespec navigation: bind
			// the raw source values; the ClassPlan statement's inline
			// remap-expr resolves them in SQL. Cloner still performs a
			// cheap point lookup here purely to report dangling
			// references to the Orchestrator.
			if rawId.IsValid() {
				if _, ok := findTargetId(remapTableFor(c.Remap, kind), rawId); !ok {
					dangling = append(dangling, p.Name)
				}
			}
			b[idParam] = uint64(rawId)
			b[relParam] = rawRel

		case PropIdLong:
			param := "l_" + sanitize(p.Column)
			rawId := Id(asInt64(row.Values[p.Column]))
			if rawId.IsValid() {
				if _, ok := c.Remap.FindTargetElementId(rawId); !ok {
					dangling = append(dangling, p.Name)
				}
			}
			b[param] = uint64(rawId)

		case PropPoint2D, PropPoint3D:
			for _, col := range p.PointColumns {
				param := "x_" + sanitize(col)
				b[param] = row.Values[col]
			}

		case PropBinary, PropGeometryStream:
			param := "b_" + sanitize(p.Column)
			b[param] = row.Values[p.Column]

		case PropIdSet:
			param := "s_" + sanitize(p.Column)
			ids := parseIdSet(asString(row.Values[p.Column]))
			resolved := make([]Id, 0, len(ids))
			failed := false
			for _, id := range ids {
				target, ok := c.Remap.FindTargetElementId(id)
				if !ok {
					failed = true
					continue
				}
				resolved = append(resolved, target)
			}
			if failed {
				dangling = append(dangling, p.Name)
			}
			b[param] = serializeIdSet(resolved)

		case PropUnsupported:
			txlog.Logf("xform: skipping unsupported property %s.%s (%s)\n", class.FullName(), p.Name, p.Name)

		default: // PropPrimitive
			param := "p_" + sanitize(p.Column)
			b[param] = row.Values[p.Column]
		}
	}

	if err := c.applyElementAdjustments(ctx, class, row, b); err != nil {
		return nil, nil, err
	}

	if hook, ok := c.OnCloned[class.FullName()]; ok {
		hook(ctx, b)
	}

	return b, dangling, nil
}

// applyElementAdjustments implements the element-specific post-clone
// rules of spec.md §4.5: the Code triple's spec/scope are references and
// must be remapped like any other, federationGuid is restored when
// transforming a database into itself, and an empty code is canonicalized
// to (invalid, invalid, "") rather than copied verbatim.
func (c *Cloner) applyElementAdjustments(ctx context.Context, class *ClassMetadata, row *SourceRow, b Binding) error {
	if !class.IsElement {
		return nil
	}
	if c.SourceEqualsTarget {
		if guid, ok := row.Values["FederationGuid"]; ok {
			b["p_FederationGuid"] = guid
		}
	}

	code := row.Code.Canonicalize()

	targetSpec, err := c.Remap.FindTargetEntityId(ctx, EntityRef{Kind: KindCodeSpec, ID: code.Spec})
	if err != nil {
		return err
	}

	var targetScope EntityRef
	if code.Scope.IsValid() && c.Remap.CodeSpecScopeIsRepository(code.Spec) {
		// spec.md §3: a Repository-scope-type CodeSpec ties its codes to
		// "this database", not to whatever element the source happened
		// to record as scope. On an intra-database transform that's the
		// target's own root subject; across databases the original
		// source scope id names an element in a foreign identity space,
		// so it is kept verbatim (never run through the element remap
		// table) and flagged rather than silently resolved or dropped.
		if c.SourceEqualsTarget {
			targetScope = EntityRef{Kind: KindElement, ID: RootSubjectId}
		} else {
			targetScope = EntityRef{Kind: KindElement, ID: code.Scope}
			b[repositoryScopeFlagKey] = true
		}
	} else {
		targetScope, err = c.Remap.FindTargetEntityId(ctx, EntityRef{Kind: KindElement, ID: code.Scope})
		if err != nil {
			return err
		}
	}

	b["code_spec"] = uint64(targetSpec.ID)
	b["code_scope"] = uint64(targetScope.ID)
	b["p_CodeValue"] = code.Value
	return nil
}

// repositoryScopeFlagKey is an internal Binding key (never bound into a
// SQL statement) that applyElementAdjustments sets to signal an
// inter-database Repository-scoped code to the Orchestrator, which
// surfaces it in Result.RepositoryScopedCodes.
const repositoryScopeFlagKey = "_flagged_repository_scope"

// remapTableFor resolves which of RemapContext's tables corresponds to
// kind, for the Cloner's dangling-reference pre-check.
func remapTableFor(r *RemapContext, kind EntityKind) *CompactRemapTable {
	switch kind {
	case KindAspect:
		return r.Aspect
	case KindCodeSpec:
		return r.CodeSpec
	default:
		return r.Element
	}
}

// asInt64 normalizes a scanned SQLite INTEGER column (always surfaced as
// int64 by modernc.org/sqlite when scanned into interface{}) to int64,
// tolerating a NULL (nil) value as zero.
func asInt64(v interface{}) int64 {
	n, _ := v.(int64)
	return n
}

func (b Binding) String() string {
	return fmt.Sprintf("Binding{%d params}", len(b))
}

// asString normalizes a scanned SQLite TEXT column to a Go string,
// tolerating a NULL (nil) value as empty.
func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// parseIdSet decodes an id-set property's JSON array of hex/decimal id
// strings (spec.md §4.5). A malformed or empty array yields no ids
// rather than an error: an id-set property is schema-optional, and a
// source database that never populated it should clone to an empty set.
func parseIdSet(raw string) []Id {
	if raw == "" {
		return nil
	}
	var strs []string
	if err := json.Unmarshal([]byte(raw), &strs); err != nil {
		return nil
	}
	ids := make([]Id, 0, len(strs))
	for _, s := range strs {
		if id, ok := ParseId(s); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// serializeIdSet re-encodes a resolved id set back into the same
// JSON-array-of-strings shape parseIdSet reads.
func serializeIdSet(ids []Id) string {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	out, err := json.Marshal(strs)
	if err != nil {
		return "[]"
	}
	return string(out)
}

package xform

import (
	"context"
	"database/sql"
	"fmt"
)

// Names of the four temp SQL tables each CompactRemapTable is flushed
// into, per spec.md §6's state-file layout (the in-transform temp tables
// share the same four-kind shape as the persisted state tables).
const (
	elementRemapTemp  = "temp.element_remap"
	aspectRemapTemp   = "temp.aspect_remap"
	codespecRemapTemp = "temp.codespec_remap"
	fontRemapTemp     = "temp.font_remap"
)

// codespecRule records that a source codespec with a given name already
// exists in the target under a possibly different id.
type codespecRule struct {
	SourceId           Id
	TargetId           Id
	IsRepositoryScoped bool
}

// RemapContext owns the four CompactRemapTables (element, aspect,
// codespec, font) plus the codespec-by-name and class-remap rule maps,
// and resolves findTarget*Id and the polymorphic findTargetEntityId.
type RemapContext struct {
	Element  *CompactRemapTable
	Aspect   *CompactRemapTable
	CodeSpec *CompactRemapTable
	Font     *CompactRemapTable

	codespecByName    map[string]codespecRule
	codespecScopeType map[Id]bool // source CodeSpec id -> scope-type is Repository (spec.md §3)
	classRemap        map[string]string // sourceClass -> targetClass

	source *sql.DB // reads raw relationship endpoints from the source link table
	target *sql.DB // looks up the already-inserted target relationship by remapped endpoints
}

// NewRemapContext creates an empty context and installs the base
// invariants: invalid maps to invalid, and every well-known root entity
// maps identity-to-identity.
func NewRemapContext(source *sql.DB) *RemapContext {
	ctx := &RemapContext{
		Element:           NewCompactRemapTable(),
		Aspect:            NewCompactRemapTable(),
		CodeSpec:          NewCompactRemapTable(),
		Font:              NewCompactRemapTable(),
		codespecByName:    make(map[string]codespecRule),
		codespecScopeType: make(map[Id]bool),
		classRemap:        make(map[string]string),
		source:            source,
	}
	// remap[invalid] = invalid is implicit: CompactRemapTable.Get(0)
	// never matches a run, so callers must special-case InvalidId before
	// consulting the tables (done uniformly in findTargetId below).
	_ = ctx.Element.Remap(RootSubjectId, RootSubjectId)
	_ = ctx.Element.Remap(RootDictionaryId, RootDictionaryId)
	_ = ctx.Element.Remap(RootRealityId, RootRealityId)
	return ctx
}

// SeedFontRemap installs an externally-computed font remap run. Per
// spec.md §9 Open Question ii, font id allocation (importFont) is out of
// scope here; the font remap table is always externally populated.
func (c *RemapContext) SeedFontRemap(src, tgt Id, length uint64) error {
	for i := uint64(0); i < length; i++ {
		if err := c.Font.Remap(src+Id(i), tgt+Id(i)); err != nil {
			return err
		}
	}
	return nil
}

// RegisterCodeSpecRule records that source codespec id/name maps to an
// existing target codespec id, used for the DuplicateCodeSpec policy
// (spec.md §7: reuse existing, do not fail). isRepositoryScoped records
// the source CodeSpec's scope-type, consulted by Cloner.applyElementAdjustments
// for the Code.scope Repository rule (spec.md §3).
func (c *RemapContext) RegisterCodeSpecRule(name string, source, target Id, isRepositoryScoped bool) error {
	c.codespecByName[name] = codespecRule{SourceId: source, TargetId: target, IsRepositoryScoped: isRepositoryScoped}
	c.codespecScopeType[source] = isRepositoryScoped
	return c.CodeSpec.Remap(source, target)
}

// CodeSpecScopeIsRepository reports whether the CodeSpec a source code's
// spec resolves to (identified by its source id) has scope-type
// Repository.
func (c *RemapContext) CodeSpecScopeIsRepository(sourceCodeSpecId Id) bool {
	return c.codespecScopeType[sourceCodeSpecId]
}

// RegisterClassRemap records that a source class maps to a differently
// named target class. The rule is only stored: neither the Cloner nor
// classIdSubquery reads it, so class ids are always translated by
// matching schema name and class name.
func (c *RemapContext) RegisterClassRemap(sourceClass, targetClass string) {
	c.classRemap[sourceClass] = targetClass
}

// findTargetId is the shared id-remap helper: invalid stays invalid,
// otherwise the table is consulted and a miss is reported to the caller
// (not fatal by itself — see Cloner/DanglingReference policy).
func findTargetId(table *CompactRemapTable, id Id) (Id, bool) {
	if !id.IsValid() {
		return InvalidId, true
	}
	return table.Get(id)
}

// FindTargetElementId resolves a source element id to its target id.
func (c *RemapContext) FindTargetElementId(id Id) (Id, bool) {
	return findTargetId(c.Element, id)
}

// FindTargetAspectId resolves a source aspect id to its target id.
func (c *RemapContext) FindTargetAspectId(id Id) (Id, bool) {
	return findTargetId(c.Aspect, id)
}

// FindTargetCodeSpecId resolves a source codespec id to its target id.
func (c *RemapContext) FindTargetCodeSpecId(id Id) (Id, bool) {
	return findTargetId(c.CodeSpec, id)
}

// FindTargetEntityId resolves a polymorphic entity reference, dispatching
// by kind per spec.md §4.4:
//
//   - Element(id)      -> Element(element_remap[id])
//   - Aspect(id)        -> Aspect(aspect_remap[id])
//   - Model(id)         -> Model(element_remap[id])   (models share ids with their modeled element)
//   - CodeSpec(id)      -> CodeSpec(codespec_remap[id])
//   - Relationship(id)  -> resolved via the source link table and recursive endpoint remap
//
// A miss for Element/Aspect/Model/CodeSpec yields (InvalidRef(kind),
// nil) — callers apply the DanglingReference policy. A Relationship
// endpoint that cannot be resolved yields Relationship(invalid) directly
// per spec.md §4.4, never an error.
func (c *RemapContext) FindTargetEntityId(ctx context.Context, ref EntityRef) (EntityRef, error) {
	switch ref.Kind {
	case KindElement:
		id, _ := c.FindTargetElementId(ref.ID)
		return EntityRef{Kind: KindElement, ID: id}, nil
	case KindModel:
		id, _ := c.FindTargetElementId(ref.ID)
		return EntityRef{Kind: KindModel, ID: id}, nil
	case KindAspect:
		id, _ := c.FindTargetAspectId(ref.ID)
		return EntityRef{Kind: KindAspect, ID: id}, nil
	case KindCodeSpec:
		id, _ := c.FindTargetCodeSpecId(ref.ID)
		return EntityRef{Kind: KindCodeSpec, ID: id}, nil
	case KindRelationship:
		return c.findTargetRelationshipId(ctx, ref.ID)
	default:
		return EntityRef{}, newErr(KindUnknownRootClass, "unrecognized entity kind %v", ref.Kind)
	}
}

// findTargetRelationshipId implements spec.md §4.4's three-step
// relationship resolution:
//
//  1. SELECT the relationship's source/target ids and their endpoint
//     kinds from the source's link table.
//  2. Recursively remap both endpoints.
//  3. SELECT the existing target's relationship id by the remapped
//     (sourceId, targetId) pair.
//
// If either endpoint fails to resolve, the result is Relationship(invalid).
// If the recursive remap of an endpoint returns the relationship's own
// (source) id unchanged, that is a fatal "endpoint resolved to itself"
// error — cyclic relationships are broken by always reading the raw
// endpoint id from the source link table and never recursing through
// relationships of relationships (spec.md §9).
func (c *RemapContext) findTargetRelationshipId(ctx context.Context, relId Id) (EntityRef, error) {
	if !relId.IsValid() {
		return InvalidRef(KindRelationship), nil
	}

	var sourceEnd, targetEnd Id
	var sourceEndClass, targetEndClass string
	err := c.source.QueryRowContext(ctx, relationshipEndpointsSQL, uint64(relId)).
		Scan(&sourceEnd, &targetEnd, &sourceEndClass, &targetEndClass)
	if err == sql.ErrNoRows {
		return InvalidRef(KindRelationship), nil
	}
	if err != nil {
		return EntityRef{}, wrapErr(KindStatementFailure, err, "reading relationship %s endpoints", relId)
	}

	sourceKind, err := endpointRootClassToKind(sourceEndClass)
	if err != nil {
		return EntityRef{}, err
	}
	targetKind, err := endpointRootClassToKind(targetEndClass)
	if err != nil {
		return EntityRef{}, err
	}

	remappedSource, err := c.FindTargetEntityId(ctx, EntityRef{Kind: sourceKind, ID: sourceEnd})
	if err != nil {
		return EntityRef{}, err
	}
	if remappedSource.IsValid() && remappedSource.ID == sourceEnd && sourceKind == KindRelationship {
		return EntityRef{}, newErr(KindEndpointSelfReference,
			"relationship %s source endpoint resolved to itself", relId)
	}

	remappedTarget, err := c.FindTargetEntityId(ctx, EntityRef{Kind: targetKind, ID: targetEnd})
	if err != nil {
		return EntityRef{}, err
	}
	if remappedTarget.IsValid() && remappedTarget.ID == targetEnd && targetKind == KindRelationship {
		return EntityRef{}, newErr(KindEndpointSelfReference,
			"relationship %s target endpoint resolved to itself", relId)
	}

	if !remappedSource.IsValid() || !remappedTarget.IsValid() {
		return InvalidRef(KindRelationship), nil
	}

	var targetRelId uint64
	err = c.target.QueryRowContext(ctx, targetRelationshipLookupSQL,
		uint64(remappedSource.ID), uint64(remappedTarget.ID)).Scan(&targetRelId)
	if err == sql.ErrNoRows {
		return InvalidRef(KindRelationship), nil
	}
	if err != nil {
		return EntityRef{}, wrapErr(KindStatementFailure, err, "looking up target relationship for (%s,%s)",
			remappedSource.ID, remappedTarget.ID)
	}
	return EntityRef{Kind: KindRelationship, ID: Id(targetRelId)}, nil
}

// relationshipEndpointsSQL reads a relationship's raw source/target ids
// and their endpoint root classes from the link table, by relationship
// instance id.
const relationshipEndpointsSQL = `
SELECT SourceECInstanceId, TargetECInstanceId, SourceRootClass, TargetRootClass
FROM bis_ElementRefersToElements
WHERE ECInstanceId = ?
`

// targetRelationshipLookupSQL finds the already-inserted target
// relationship connecting the two (already-remapped) endpoint ids. It
// runs on RemapContext.target (the target connection), where the source
// is attached as "source"; the table is schema-qualified "main." so it
// names the target's own link table.
const targetRelationshipLookupSQL = `
SELECT ECInstanceId FROM main.bis_ElementRefersToElements
WHERE SourceECInstanceId = ? AND TargetECInstanceId = ?
`

// endpointRootClassToKind maps the CASE-expression result described in
// spec.md §4.4 to an EntityKind. "unique"/"multi" aspect -> a, element ->
// e, model -> m, codespec -> c, ElementRefersToElements -> r. Anything
// else is a fatal "unknown root class".
func endpointRootClassToKind(rootClass string) (EntityKind, error) {
	switch rootClass {
	case "e", "Element":
		return KindElement, nil
	case "m", "Model":
		return KindModel, nil
	case "a", "UniqueAspect", "MultiAspect":
		return KindAspect, nil
	case "c", "CodeSpec":
		return KindCodeSpec, nil
	case "r", "ElementRefersToElements", "ElementDrivesElement":
		return KindRelationship, nil
	default:
		return 0, newErr(KindUnknownRootClass, "unknown relationship endpoint root class %q", rootClass)
	}
}

func (c *RemapContext) String() string {
	return fmt.Sprintf("RemapContext{elements=%d aspects=%d codespecs=%d fonts=%d}",
		c.Element.Len(), c.Aspect.Len(), c.CodeSpec.Len(), c.Font.Len())
}

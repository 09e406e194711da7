package xform

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/steveyegge/imodel-transformer/internal/txlog"
)

// DanglingPolicy controls what happens when a reference cannot be
// resolved in the target (spec.md §6/§7).
type DanglingPolicy int

const (
	// DanglingReject aborts the transform with KindDanglingReference.
	DanglingReject DanglingPolicy = iota
	// DanglingIgnore writes an invalid reference and records a warning.
	DanglingIgnore
)

// Options holds the five named knobs spec.md §6 exposes to callers.
type Options struct {
	// TargetScopeElementId is an identity marker recorded (identity-to-
	// identity, like the well-known root ids) to prevent two transforms
	// from clashing on the same target; invalid (0) means "no explicit
	// marker", since the root subject (already pinned unconditionally)
	// is the default.
	TargetScopeElementId Id

	// IncludeSourceProvenance copies the source's ExternalSourceAspect
	// rows through to the target; when false, cloneAspects skips them.
	IncludeSourceProvenance bool

	// PreserveElementIdsForFiltering, when true, allocates target element
	// ids identical to their source ids instead of drawing from the
	// target's own sequence — only safe when the target is known empty
	// of those ids (spec.md §9 Open Question iv).
	PreserveElementIdsForFiltering bool

	// DanglingReferencesBehavior selects DanglingReject/DanglingIgnore.
	DanglingReferencesBehavior DanglingPolicy

	// WasSourceIModelCopiedToTarget is true when source and target began
	// as the same database (federationGuid restore rule, spec.md §4.5).
	WasSourceIModelCopiedToTarget bool
}

// Result summarizes a completed (or partially completed) transform.
type Result struct {
	ElementsCloned      int
	ModelsCloned        int
	AspectsCloned       int
	RelationshipsCloned int
	CodeSpecsImported    int
	DanglingReferences  []string
	SkippedProperties   []string

	// RepositoryScopedCodes lists "Class.SourceId" tags for every element
	// whose Code resolved through a Repository-scope-type CodeSpec on an
	// inter-database transform, so its unremapped source scope id (spec.md
	// §3) can be reviewed rather than silently carried over.
	RepositoryScopedCodes []string
}

// Orchestrator drives the full two-pass transform described in spec.md
// §4.6: attach, suspend triggers, import codespecs, populate (P1),
// hydrate (P2), clone aspects, clone relationships, finalize.
type Orchestrator struct {
	Source *sql.DB
	Target *sql.DB
	Opts   Options

	// Resume, if set before Run, seeds the RemapContext from a
	// previously saved state file (LoadState) instead of starting empty,
	// so a crashed transform can continue rather than restart (spec.md
	// §3 "Lifecycle").
	Resume *RemapContext

	refCache *RefTypeCache
	remap    *RemapContext
	cloner   *Cloner
	classes  map[string]*ClassMetadata
	plans    map[string]*ClassPlan

	nextLocalId uint64
	suspended   []triggerDef
	result      Result
}

type triggerDef struct {
	Name string
	SQL  string
}

// maxLocalId is the largest 40-bit local id a briefcase-scoped sequence
// can hand out before a transform must fail with KindSequenceOverflow
// (spec.md §7).
const maxLocalId = (uint64(1) << 40) - 1

// NewOrchestrator constructs an Orchestrator over already-open
// connections. Callers open Source/Target with OpenSource/OpenTarget and
// are responsible for closing them after Run returns.
func NewOrchestrator(source, target *sql.DB, opts Options) *Orchestrator {
	return &Orchestrator{
		Source: source,
		Target: target,
		Opts:   opts,
	}
}

// RemapContext exposes the Orchestrator's remap tables once init has run,
// so a caller can SaveState after Run returns (including on a
// mid-transform failure, to checkpoint progress for a later resume).
func (o *Orchestrator) RemapContext() *RemapContext {
	return o.remap
}

// Run executes the full transform and returns a summary.
func (o *Orchestrator) Run(ctx context.Context) (_ Result, runErr error) {
	if err := o.init(ctx); err != nil {
		return o.result, err
	}
	if err := o.suspendTriggers(ctx); err != nil {
		return o.result, err
	}
	// finalize always runs, even on a mid-transform failure, so a
	// partially-hydrated target never keeps its triggers suspended.
	defer func() {
		if ferr := o.finalize(ctx); ferr != nil && runErr == nil {
			runErr = ferr
		}
	}()

	if err := o.importCodeSpecs(ctx); err != nil {
		runErr = err
		return o.result, runErr
	}
	if err := o.populate(ctx); err != nil {
		runErr = err
		return o.result, runErr
	}
	if err := o.hydrate(ctx); err != nil {
		runErr = err
		return o.result, runErr
	}
	if err := o.cloneAspects(ctx); err != nil {
		runErr = err
		return o.result, runErr
	}
	if err := o.cloneRelationships(ctx); err != nil {
		runErr = err
		return o.result, runErr
	}

	o.result.DanglingReferences = dedupe(o.result.DanglingReferences)
	return o.result, runErr
}

// init builds the schema-derived caches (spec.md §4.6 step 1). The
// caller attaches the source database to the target beforehand with
// AttachSource.
func (o *Orchestrator) init(ctx context.Context) error {
	refCache, err := BuildRefTypeCache(ctx, o.Source)
	if err != nil {
		return err
	}
	o.refCache = refCache

	classes, err := LoadClassCatalog(ctx, o.Source)
	if err != nil {
		return err
	}
	o.classes = classes

	o.plans = make(map[string]*ClassPlan, len(classes))
	for name, class := range classes {
		plan, err := BuildClassPlan(class, refCache)
		if err != nil {
			return err
		}
		o.plans[name] = plan
		o.result.SkippedProperties = append(o.result.SkippedProperties, plan.Skipped...)
	}

	if o.Resume != nil {
		o.remap = o.Resume
	} else {
		o.remap = NewRemapContext(o.Source)
	}
	// A resumed RemapContext (LoadState) is built before the target
	// connection even exists, so its target field is always wired here,
	// not just in the fresh-context branch above.
	o.remap.target = o.Target
	o.cloner = NewCloner(refCache, o.remap)
	o.cloner.SourceEqualsTarget = o.Opts.WasSourceIModelCopiedToTarget
	o.registerSpecialHandlers()

	// A clashing marker (already recorded, mapping to something other
	// than itself) means another transform's state already claims this
	// target; Element.Remap reports that as an error rather than
	// silently overwriting it.
	if o.Opts.TargetScopeElementId.IsValid() {
		if err := o.remap.Element.Remap(o.Opts.TargetScopeElementId, o.Opts.TargetScopeElementId); err != nil {
			return wrapErr(KindStatementFailure, err, "recording target scope element id %s", o.Opts.TargetScopeElementId)
		}
	}

	var maxId uint64
	row := o.Target.QueryRowContext(ctx, `SELECT COALESCE(MAX(ECInstanceId), 0) FROM bis_Element`)
	if err := row.Scan(&maxId); err != nil && err != sql.ErrNoRows {
		return wrapErr(KindStatementFailure, err, "reading target's current max element id")
	}
	o.nextLocalId = maxId + 1

	return nil
}

// registerSpecialHandlers installs the Cloner overrides for navigation
// properties whose reference shape isn't a plain (Id, RelECClassId) pair
// on its own column (spec.md §4.5); the Code triple's spec/scope are
// handled unconditionally for every element by Cloner.applyElementAdjustments
// rather than through this map, since every element has exactly one code.
func (o *Orchestrator) registerSpecialHandlers() {
	o.cloner.RegisterHandler("baseModel", SpecialHandler{
		GetSource: func(row *SourceRow) EntityRef {
			return EntityRef{Kind: KindModel, ID: Id(asInt64(row.Values["BaseModel.Id"]))}
		},
		SetTarget: func(b Binding, ref EntityRef) { b["n_BaseModel_Id"] = uint64(ref.ID) },
	})
}

// suspendTriggers drops every user trigger on the target, recording its
// definition so finalize can recreate it. Bulk population violates
// per-row trigger invariants (e.g. last-mod stamps) mid-transform;
// spec.md §4.6 step 2 calls for suspending them for the duration.
func (o *Orchestrator) suspendTriggers(ctx context.Context) error {
	rows, err := o.Target.QueryContext(ctx,
		`SELECT name, sql FROM main.sqlite_master WHERE type = 'trigger' AND sql IS NOT NULL`)
	if err != nil {
		return wrapErr(KindStatementFailure, err, "listing target triggers")
	}
	defer rows.Close()

	for rows.Next() {
		var t triggerDef
		if err := rows.Scan(&t.Name, &t.SQL); err != nil {
			return wrapErr(KindStatementFailure, err, "scanning target trigger")
		}
		o.suspended = append(o.suspended, t)
	}
	if err := rows.Err(); err != nil {
		return wrapErr(KindStatementFailure, err, "iterating target triggers")
	}

	for _, t := range o.suspended {
		if _, err := o.Target.ExecContext(ctx, fmt.Sprintf(`DROP TRIGGER %s`, t.Name)); err != nil {
			return wrapErr(KindTriggerRestoreFailure, err, "suspending trigger %s", t.Name)
		}
	}
	return nil
}

// restoreTriggers recreates every trigger suspendTriggers dropped.
func (o *Orchestrator) restoreTriggers(ctx context.Context) error {
	for _, t := range o.suspended {
		if _, err := o.Target.ExecContext(ctx, t.SQL); err != nil {
			return wrapErr(KindTriggerRestoreFailure, err, "restoring trigger %s", t.Name)
		}
	}
	return nil
}

// importCodeSpecs walks the source's CodeSpec rows (spec.md §4.6 step
// 3): a name collision with an existing target codespec reuses the
// target's id (KindDuplicateCodeSpec is a policy, not a failure); a new
// name is inserted under a freshly allocated id.
func (o *Orchestrator) importCodeSpecs(ctx context.Context) error {
	rows, err := o.Source.QueryContext(ctx, `SELECT ECInstanceId, Name, ScopeType FROM bis_CodeSpec ORDER BY ECInstanceId`)
	if err != nil {
		return wrapErr(KindStatementFailure, err, "querying source codespecs")
	}
	defer rows.Close()

	type cs struct {
		Id         Id
		Name       string
		Repository bool
	}
	var specs []cs
	for rows.Next() {
		var id uint64
		var name, scopeType string
		if err := rows.Scan(&id, &name, &scopeType); err != nil {
			return wrapErr(KindStatementFailure, err, "scanning source codespec")
		}
		specs = append(specs, cs{Id: Id(id), Name: name, Repository: scopeType == repositoryScopeType})
	}
	if err := rows.Err(); err != nil {
		return wrapErr(KindStatementFailure, err, "iterating source codespecs")
	}

	for _, s := range specs {
		var existingId uint64
		err := o.Target.QueryRowContext(ctx,
			`SELECT ECInstanceId FROM main.bis_CodeSpec WHERE Name = ?`, s.Name).Scan(&existingId)
		switch {
		case err == sql.ErrNoRows:
			newId, aerr := o.allocateId()
			if aerr != nil {
				return aerr
			}
			if _, err := o.Target.ExecContext(ctx,
				`INSERT INTO main.bis_CodeSpec (ECInstanceId, Name, ScopeType) VALUES (?, ?, ?)`,
				uint64(newId), s.Name, scopeTypeColumnValue(s.Repository)); err != nil {
				return wrapErr(KindStatementFailure, err, "inserting codespec %s", s.Name)
			}
			if err := o.remap.RegisterCodeSpecRule(s.Name, s.Id, newId, s.Repository); err != nil {
				return err
			}
		case err != nil:
			return wrapErr(KindStatementFailure, err, "looking up existing codespec %s", s.Name)
		default:
			txlog.Logf("xform: reusing existing codespec %q (target id %#x)\n", s.Name, existingId)
			if err := o.remap.RegisterCodeSpecRule(s.Name, s.Id, Id(existingId), s.Repository); err != nil {
				return err
			}
		}
		o.result.CodeSpecsImported++
	}
	return nil
}

// repositoryScopeType is the invented ScopeType column value marking a
// CodeSpec whose codes' scope is always the repository (root subject) on
// an intra-database transform (spec.md §3's Code invariant). No wire
// convention for this is given by spec.md or by any recovered original
// source, so this string is this implementation's own schema choice
// (see DESIGN.md).
const repositoryScopeType = "Repository"

func scopeTypeColumnValue(isRepositoryScoped bool) string {
	if isRepositoryScoped {
		return repositoryScopeType
	}
	return ""
}

// allocateId hands out the next free local id, failing fatally once the
// 40-bit local-id space is exhausted (spec.md §7 KindSequenceOverflow).
func (o *Orchestrator) allocateId() (Id, error) {
	if o.nextLocalId > maxLocalId {
		return InvalidId, newErr(KindSequenceOverflow, "exhausted local id space at %#x", o.nextLocalId)
	}
	id := Id(o.nextLocalId)
	o.nextLocalId++
	return id, nil
}

// populate runs P1 over every Element class in two sub-passes
// (spec.md §4.6 step 4): first every source instance is assigned its
// target id (filling RemapContext.Element completely, since a row's
// embedded geometry stream may reference an element that sorts after it
// and is only visible once the whole id space is known), then the four
// remap tables are flushed to their temp tables so GeometryStream
// columns can be rewritten inline, and only then are rows actually
// inserted with safe placeholder references. Classes that are models
// but not elements are skipped: no pass inserts model rows.
func (o *Orchestrator) populate(ctx context.Context) error {
	elementClasses := make([]*ClassMetadata, 0, len(o.classes))
	for _, class := range o.orderedClasses() {
		if class.IsElement {
			elementClasses = append(elementClasses, class)
		}
	}

	for _, class := range elementClasses {
		if err := o.assignIdsForClass(ctx, class); err != nil {
			return err
		}
	}

	if err := o.remap.Element.FlushToTemp(ctx, o.Target, elementRemapTemp); err != nil {
		return err
	}
	if err := o.remap.Aspect.FlushToTemp(ctx, o.Target, aspectRemapTemp); err != nil {
		return err
	}
	if err := o.remap.CodeSpec.FlushToTemp(ctx, o.Target, codespecRemapTemp); err != nil {
		return err
	}
	if err := o.remap.Font.FlushToTemp(ctx, o.Target, fontRemapTemp); err != nil {
		return err
	}

	for _, class := range elementClasses {
		plan := o.plans[class.FullName()]
		if err := o.insertPopulatedRows(ctx, class, plan); err != nil {
			return err
		}
	}
	return nil
}

// assignIdsForClass allocates a target id for every source instance of
// class and records it into RemapContext.Element, without writing
// anything to the target yet.
func (o *Orchestrator) assignIdsForClass(ctx context.Context, class *ClassMetadata) error {
	rows, err := o.Source.QueryContext(ctx,
		fmt.Sprintf(`SELECT ECInstanceId FROM %s ORDER BY ECInstanceId`, class.TableName))
	if err != nil {
		return wrapErr(KindStatementFailure, err, "querying %s instances", class.FullName())
	}
	defer rows.Close()

	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return wrapErr(KindStatementFailure, err, "scanning %s instance id", class.FullName())
		}
		srcId := Id(id)
		if _, already := o.remap.FindTargetElementId(srcId); already {
			continue // well-known root ids are pre-seeded by NewRemapContext
		}

		var targetId Id
		if o.Opts.PreserveElementIdsForFiltering {
			targetId = srcId
			// A preserved source id can land anywhere in the 40-bit
			// space, including above the target's own pre-existing max;
			// the sequence must clear every id handed out this way
			// before cloneAspects/cloneRelationships/importCodeSpecs
			// start drawing fresh ones (spec.md §6, §8 Scenario 6).
			if next := uint64(srcId) + 1; next > o.nextLocalId {
				o.nextLocalId = next
			}
		} else {
			newId, aerr := o.allocateId()
			if aerr != nil {
				return aerr
			}
			targetId = newId
		}
		if err := o.remap.Element.Remap(srcId, targetId); err != nil {
			return err
		}
	}
	return rows.Err()
}

// insertPopulatedRows executes PopulateSQL for every instance of class:
// real values for scalars/points/binaries (pulled via the Cloner so
// GeometryStream columns are rewritten against the now-complete element
// remap table), and safe placeholders for every reference column.
func (o *Orchestrator) insertPopulatedRows(ctx context.Context, class *ClassMetadata, plan *ClassPlan) error {
	rows, err := o.rowsForClass(ctx, class)
	if err != nil {
		return err
	}

	for _, row := range rows {
		targetId, _ := o.remap.FindTargetElementId(row.Id)

		binding, _, err := o.cloner.Clone(ctx, row, class, plan, targetId)
		if err != nil {
			return err
		}

		args := []interface{}{
			sql.Named("target_id", uint64(targetId)),
			sql.Named("ec_class_id", uint64(class.ECClassId)),
		}
		for _, name := range plan.PopulateNames {
			switch {
			case isNullablePlaceholder(name):
				args = append(args, sql.Named(name, nil))
			case hasSuffix(name, "_p1"):
				args = append(args, sql.Named(name, uint64(RootSubjectId)))
			default:
				args = append(args, sql.Named(name, binding[name]))
			}
		}
		if _, err := o.Target.ExecContext(ctx, plan.PopulateSQL, args...); err != nil {
			return wrapErr(KindStatementFailure, err, "populating %s %s", class.FullName(), row.Id)
		}

		if class.IsElement {
			o.result.ElementsCloned++
		}
		if class.IsModel {
			o.result.ModelsCloned++
		}
	}
	return nil
}

// isNullablePlaceholder reports whether a populate-phase placeholder
// parameter belongs to an optional navigation column (Parent,
// TypeDefinition) that should be written NULL rather than the root
// subject placeholder.
func isNullablePlaceholder(paramName string) bool {
	switch {
	case hasSuffix(paramName, "Parent_Id_p1"), hasSuffix(paramName, "Parent_RelECClassId_p1"),
		hasSuffix(paramName, "TypeDefinition_Id_p1"), hasSuffix(paramName, "TypeDefinition_RelECClassId_p1"):
		return true
	default:
		return false
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// hydrate runs P2 over every Element and Model class: one UPDATE per
// source instance, rewriting every reference column via the inline
// remap expressions baked into HydrateSQL (spec.md §4.6 step 5).
func (o *Orchestrator) hydrate(ctx context.Context) error {
	for _, class := range o.orderedClasses() {
		if !class.IsElement && !class.IsModel {
			continue
		}
		plan := o.plans[class.FullName()]
		if plan.HydrateSQL == "" {
			continue
		}
		if err := o.hydrateClass(ctx, class, plan); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) hydrateClass(ctx context.Context, class *ClassMetadata, plan *ClassPlan) error {
	rows, err := o.rowsForClass(ctx, class)
	if err != nil {
		return err
	}
	for _, row := range rows {
		targetId, _ := o.remap.FindTargetElementId(row.Id)
		binding, dangling, err := o.cloner.Clone(ctx, row, class, plan, targetId)
		if err != nil {
			return err
		}
		if err := o.applyDangling(class, dangling); err != nil {
			return err
		}
		if flagged, _ := binding[repositoryScopeFlagKey].(bool); flagged {
			o.result.RepositoryScopedCodes = append(o.result.RepositoryScopedCodes,
				fmt.Sprintf("%s.%s", class.FullName(), row.Id))
		}

		args := make([]interface{}, 0, len(plan.HydrateNames)+2)
		args = append(args, sql.Named("source_json", binding["source_json"]))
		for _, name := range plan.HydrateNames {
			args = append(args, sql.Named(name, binding[name]))
		}
		args = append(args, sql.Named("source_id", uint64(row.Id)))

		if _, err := o.Target.ExecContext(ctx, plan.HydrateSQL, args...); err != nil {
			return wrapErr(KindStatementFailure, err, "hydrating %s %s", class.FullName(), row.Id)
		}
	}
	return nil
}

// cloneAspects inserts every UniqueAspect/MultiAspect row (spec.md §4.6
// step 6): aspects run after elements are fully hydrated, so their
// element-id reference always resolves.
func (o *Orchestrator) cloneAspects(ctx context.Context) error {
	for _, class := range o.orderedClasses() {
		if !class.IsAspect {
			continue
		}
		if isProvenanceAspectClass(class) && !o.Opts.IncludeSourceProvenance {
			continue
		}
		plan := o.plans[class.FullName()]
		rows, err := o.rowsForClass(ctx, class)
		if err != nil {
			return err
		}
		for _, row := range rows {
			newId, aerr := o.allocateId()
			if aerr != nil {
				return aerr
			}
			if err := o.remap.Aspect.Remap(row.Id, newId); err != nil {
				return err
			}

			binding, dangling, err := o.cloner.Clone(ctx, row, class, plan, newId)
			if err != nil {
				return err
			}
			if err := o.applyDangling(class, dangling); err != nil {
				return err
			}
			if err := o.execInsert(ctx, class, plan, binding); err != nil {
				return err
			}
			o.result.AspectsCloned++
		}
	}
	return nil
}

// isProvenanceAspectClass reports whether class is a source-provenance
// aspect (the "imported-from" record an element carries after a prior
// bulk copy) that Options.IncludeSourceProvenance gates (spec.md §6).
func isProvenanceAspectClass(class *ClassMetadata) bool {
	return class.ClassName == "ExternalSourceAspect"
}

// cloneRelationships inserts every relationship-class row (spec.md §4.6
// step 7), last, since endpoint resolution depends on every element,
// model, and aspect already being present in the target.
func (o *Orchestrator) cloneRelationships(ctx context.Context) error {
	for _, class := range o.orderedClasses() {
		if !class.IsRelationship {
			continue
		}
		plan := o.plans[class.FullName()]
		rows, err := o.rowsForClass(ctx, class)
		if err != nil {
			return err
		}
		for _, row := range rows {
			newId, aerr := o.allocateId()
			if aerr != nil {
				return aerr
			}

			binding, dangling, err := o.cloner.Clone(ctx, row, class, plan, newId)
			if err != nil {
				return err
			}
			if err := o.applyDangling(class, dangling); err != nil {
				return err
			}
			if err := o.execInsert(ctx, class, plan, binding); err != nil {
				return err
			}
			o.result.RelationshipsCloned++
		}
	}
	return nil
}

func (o *Orchestrator) execInsert(ctx context.Context, class *ClassMetadata, plan *ClassPlan, binding Binding) error {
	args := make([]interface{}, 0, len(plan.InsertNames)+2)
	args = append(args,
		sql.Named("target_id", binding["target_id"]),
		sql.Named("ec_class_id", uint64(class.ECClassId)))
	for _, name := range plan.InsertNames {
		args = append(args, sql.Named(name, binding[name]))
	}
	if _, err := o.Target.ExecContext(ctx, plan.InsertSQL, args...); err != nil {
		return wrapErr(KindStatementFailure, err, "inserting %s", class.FullName())
	}
	return nil
}

// applyDangling applies Options.DanglingReferencesBehavior to the
// references a Clone call could not resolve.
func (o *Orchestrator) applyDangling(class *ClassMetadata, dangling []string) error {
	if len(dangling) == 0 {
		return nil
	}
	for _, prop := range dangling {
		tag := class.FullName() + "." + prop
		if o.Opts.DanglingReferencesBehavior == DanglingReject {
			return newErr(KindDanglingReference, "unresolved reference %s", tag)
		}
		o.result.DanglingReferences = append(o.result.DanglingReferences, tag)
	}
	return nil
}

// rowsForClass materializes every source row for class as SourceRow
// values, including the JSON projection and the raw column values
// (references, points, binaries, id sets, and primitives) keyed by
// column name.
func (o *Orchestrator) rowsForClass(ctx context.Context, class *ClassMetadata) ([]*SourceRow, error) {
	selectCols := []string{"ECInstanceId"}
	hasCode := class.IsElement
	if hasCode {
		selectCols = append(selectCols, "CodeSpec.Id", "CodeScope.Id", "CodeValue")
	}

	var jsonPairs []string
	for _, p := range class.Properties {
		switch p.Kind {
		case PropNavigation:
			selectCols = append(selectCols, p.NavIdColumn, p.NavRelClassColumn)
		case PropIdLong:
			selectCols = append(selectCols, p.Column)
		case PropPoint2D, PropPoint3D:
			selectCols = append(selectCols, p.PointColumns...)
		case PropBinary, PropGeometryStream, PropIdSet:
			selectCols = append(selectCols, p.Column)
		case PropPrimitive:
			selectCols = append(selectCols, p.Column)
			jsonPairs = append(jsonPairs, fmt.Sprintf("'%s', %s", p.Name, p.Column))
		}
	}

	// The JSON projection backs HydrateSQL's JSON_EXTRACT(:source_json, ...)
	// assignments for every primitive column (spec.md §4.3); building it
	// once here, in SQL, is cheaper than a per-column SELECT.
	jsonExpr := "'{}'"
	if len(jsonPairs) > 0 {
		jsonExpr = fmt.Sprintf("JSON_OBJECT(%s)", joinCols(jsonPairs))
	}
	// selectCols stays keyed by the raw (dotted) column names so the scan
	// loop below can use them as SourceRow.Values map keys; the query
	// text quotes each one, since SQLite would otherwise parse a dotted
	// name like Parent.Id as a table.column reference.
	sqlCols := append(quoteCols(selectCols), jsonExpr+" AS __json")

	// This query runs directly against o.Source (not the attached "source"
	// schema on o.Target), so the table name stays unqualified — it
	// already resolves against Source's own main schema.
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY ECInstanceId`, joinCols(sqlCols), class.TableName)
	rows, err := o.Source.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapErr(KindStatementFailure, err, "selecting %s rows", class.FullName())
	}
	defer rows.Close()

	var result []*SourceRow
	for rows.Next() {
		scanTargets := make([]interface{}, len(sqlCols))
		raw := make([]interface{}, len(sqlCols))
		for i := range scanTargets {
			scanTargets[i] = &raw[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, wrapErr(KindStatementFailure, err, "scanning %s row", class.FullName())
		}

		sr := &SourceRow{Values: make(map[string]interface{})}
		idx := 0
		id, _ := raw[idx].(int64)
		sr.Id = Id(id)
		idx++
		if hasCode {
			specId, _ := raw[idx].(int64)
			sr.Code.Spec = Id(specId)
			idx++
			scopeId, _ := raw[idx].(int64)
			sr.Code.Scope = Id(scopeId)
			idx++
			val, _ := raw[idx].(string)
			sr.Code.Value = val
			idx++
		}
		// The last selected column is always the JSON projection; the
		// data columns in between go into Values, keyed by the same
		// (unquoted) column names used when selectCols was built above.
		dataCols := selectCols[idx:]
		for _, col := range dataCols {
			sr.Values[col] = raw[idx]
			idx++
		}
		if s, ok := raw[idx].(string); ok {
			sr.JSON = s
		}
		result = append(result, sr)
	}
	return result, rows.Err()
}

// orderedClasses returns classes sorted by full name, for deterministic
// iteration order across runs (useful for resumable transforms and
// reproducible test output).
func (o *Orchestrator) orderedClasses() []*ClassMetadata {
	names := make([]string, 0, len(o.classes))
	for name := range o.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*ClassMetadata, 0, len(names))
	for _, name := range names {
		out = append(out, o.classes[name])
	}
	return out
}

// finalize restores suspended triggers and runs the deferred foreign
// key check that defer_foreign_keys(1) postponed until here (spec.md §5,
// §7 "Propagation").
func (o *Orchestrator) finalize(ctx context.Context) error {
	if err := o.restoreTriggers(ctx); err != nil {
		return err
	}
	var violation string
	row := o.Target.QueryRowContext(ctx, `PRAGMA foreign_key_check`)
	if err := row.Scan(&violation); err != nil && err != sql.ErrNoRows {
		return wrapErr(KindStatementFailure, err, "running deferred foreign key check")
	}
	return nil
}

func joinCols(cols []string) string {
	out := cols[0]
	for _, c := range cols[1:] {
		out += ", " + c
	}
	return out
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

package xform

import (
	"fmt"
	"strings"
)

// ClassPlan holds the four precomputed, class-specific SQL statements
// described in spec.md §4.3: selectBinaries, populate (P1), hydrate (P2),
// and insert (aspects/relationships). Building these once per class and
// executing them per row keeps the hot loop to one statement step per
// row plus a constant number of parameter bindings.
//
// ClassPlan is a pure function of the schema: callers cache the result
// per class for the lifetime of the transform (see Orchestrator.plans).
type ClassPlan struct {
	Class *ClassMetadata

	// SelectBinariesSQL pulls binary (and geometry stream) columns not
	// available via the JSON row projection.
	SelectBinariesSQL string
	BinaryParams      []string // bound as :b_<col>, matches Binding keys

	// PopulateSQL is P1's INSERT: placeholders for every reference
	// column, real values for everything else.
	PopulateSQL   string
	PopulateNames []string

	// HydrateSQL is P2's UPDATE: inline remap expressions for every
	// reference column plus JSON_EXTRACT for non-reference scalars.
	HydrateSQL   string
	HydrateNames []string

	// InsertSQL is the full aspect/relationship INSERT with inline
	// remap expressions for every reference.
	InsertSQL   string
	InsertNames []string

	// Skipped lists properties dropped because their kind is
	// unsupported (arrays, structs, struct arrays) — spec.md §9 Open
	// Question iii: never silent, always recorded here.
	Skipped []string
}

// classPlanBuilder accumulates column lists while walking a class's
// properties once, used to build all four statements in a single pass.
type classPlanBuilder struct {
	class    *ClassMetadata
	refCache *RefTypeCache

	binaryCols   []string
	binaryNames  []string
	populateCols []string
	populateVals []string
	populateNames []string
	hydrateSets  []string
	hydrateNames []string
	insertCols   []string
	insertVals   []string
	insertNames  []string
	skipped      []string
}

// BuildClassPlan builds the four statements for one concrete class.
func BuildClassPlan(class *ClassMetadata, refCache *RefTypeCache) (*ClassPlan, error) {
	b := &classPlanBuilder{class: class, refCache: refCache}

	// ECInstanceId / primary key is always present and always an
	// Id-typed column, handled outside the generic property loop.
	// ECClassId must be translated, not copied: the source and target
	// databases each assign their own class ids independently, so the
	// literal source.ec_Class.Id this class was catalogued under is
	// resolved to its target counterpart via the same schema+class-name
	// join classIdSubquery uses for RelECClassId columns. :ec_class_id is
	// bound by the Orchestrator to class.ECClassId for every row, since
	// it's a per-class constant rather than a per-row value.
	b.populateCols = append(b.populateCols, "ECInstanceId", "ECClassId")
	b.populateVals = append(b.populateVals, ":target_id", classIdSubquery(":ec_class_id"))

	b.insertCols = append(b.insertCols, "ECInstanceId", "ECClassId")
	b.insertVals = append(b.insertVals, ":target_id", classIdSubquery(":ec_class_id"))

	if class.IsElement {
		b.addCodeColumns()
	}

	for _, p := range class.Properties {
		if err := b.addProperty(p); err != nil {
			return nil, err
		}
	}

	plan := &ClassPlan{
		Class:         class,
		BinaryParams:  b.binaryNames,
		PopulateNames: b.populateNames,
		HydrateNames:  b.hydrateNames,
		InsertNames:   b.insertNames,
		Skipped:       b.skipped,
	}

	if len(b.binaryCols) > 0 {
		plan.SelectBinariesSQL = fmt.Sprintf(
			`SELECT %s FROM %s WHERE ECInstanceId = ?`,
			strings.Join(quoteCols(b.binaryCols), ", "), class.TableName)
	}

	plan.PopulateSQL = fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s)`,
		class.TableName, strings.Join(quoteCols(b.populateCols), ", "), strings.Join(b.populateVals, ", "))

	if class.IsAspect || class.IsRelationship || class.IsModel {
		plan.InsertSQL = fmt.Sprintf(
			`INSERT INTO %s (%s) VALUES (%s)`,
			class.TableName, strings.Join(quoteCols(b.insertCols), ", "), strings.Join(b.insertVals, ", "))
	}

	if len(b.hydrateSets) > 0 {
		plan.HydrateSQL = fmt.Sprintf(
			`UPDATE %s SET %s WHERE ECInstanceId = %s`,
			class.TableName, strings.Join(b.hydrateSets, ", "), remapExprSQL(elementRemapTemp, ":source_id"))
	}

	return plan, nil
}

// addCodeColumns wires every element's Code triple (CodeSpec.Id,
// CodeScope.Id, CodeValue) into the plan outside the generic property
// loop, since the schema catalog models these as system columns rather
// than ordinary navigation/primitive properties. Cloner.applyElementAdjustments
// resolves both reference halves unconditionally for every element and
// binds "code_spec"/"code_scope"/"p_CodeValue" directly (spec.md §4.5's
// empty-code canonicalization rule).
func (b *classPlanBuilder) addCodeColumns() {
	b.populateCols = append(b.populateCols, "CodeSpec.Id", "CodeScope.Id", "CodeValue")
	b.populateVals = append(b.populateVals, ":code_spec_p1", ":code_scope_p1", ":p_CodeValue")
	b.populateNames = append(b.populateNames, "code_spec_p1", "code_scope_p1", "p_CodeValue")

	b.hydrateSets = append(b.hydrateSets,
		`"CodeSpec.Id" = :code_spec`,
		`"CodeScope.Id" = :code_scope`)
	b.hydrateNames = append(b.hydrateNames, "code_spec", "code_scope")

	b.insertCols = append(b.insertCols, "CodeSpec.Id", "CodeScope.Id", "CodeValue")
	b.insertVals = append(b.insertVals, ":code_spec", ":code_scope", ":p_CodeValue")
	b.insertNames = append(b.insertNames, "code_spec", "code_scope", "p_CodeValue")
}

func (b *classPlanBuilder) addProperty(p PropertyDescriptor) error {
	switch p.Kind {
	case PropNavigation:
		kind, err := b.refCache.Lookup(b.class.SchemaName, b.class.ClassName, p.Name)
		if err != nil {
			return err
		}

		idParam := "n_" + sanitize(p.NavIdColumn)
		relParam := "r_" + sanitize(p.NavRelClassColumn)

		// P1: ClassPlan emits "_p1" placeholder parameters here; the
		// Orchestrator binds the safe placeholder (root subject) for
		// required refs, or NULL for the nullable columns (Parent,
		// TypeDefinition), at bind time.
		b.populateCols = append(b.populateCols, p.NavIdColumn, p.NavRelClassColumn)
		b.populateVals = append(b.populateVals, ":"+idParam+"_p1", ":"+relParam+"_p1")
		b.populateNames = append(b.populateNames, idParam+"_p1", relParam+"_p1")

		var idExpr string
		if kind == KindRelationship {
			// Relationship endpoints are resolved in Go by the Cloner
			// (recursive lookup, not a single inline remap table); bind
			// the already-resolved target id directly.
			idExpr = ":" + idParam
		} else {
			idExpr = remapExprSQL(remapTableForKind(kind), ":"+idParam)
		}

		b.hydrateSets = append(b.hydrateSets,
			fmt.Sprintf("%s = %s", quoteIdent(p.NavIdColumn), idExpr),
			fmt.Sprintf("%s = %s", quoteIdent(p.NavRelClassColumn), classIdSubquery(":"+relParam)))
		b.hydrateNames = append(b.hydrateNames, idParam, relParam)

		b.insertCols = append(b.insertCols, p.NavIdColumn, p.NavRelClassColumn)
		b.insertVals = append(b.insertVals, idExpr, classIdSubquery(":"+relParam))
		b.insertNames = append(b.insertNames, idParam, relParam)

	case PropIdLong:
		param := "l_" + sanitize(p.Column)
		b.populateCols = append(b.populateCols, p.Column)
		b.populateVals = append(b.populateVals, fmt.Sprintf("%d", RootSubjectId))

		b.hydrateSets = append(b.hydrateSets,
			fmt.Sprintf("%s = %s", quoteIdent(p.Column), remapExprSQL(elementRemapTemp, ":"+param)))
		b.hydrateNames = append(b.hydrateNames, param)

		b.insertCols = append(b.insertCols, p.Column)
		b.insertVals = append(b.insertVals, remapExprSQL(elementRemapTemp, ":"+param))
		b.insertNames = append(b.insertNames, param)

	case PropPoint2D, PropPoint3D:
		for _, col := range p.PointColumns {
			param := "x_" + sanitize(col)
			b.populateCols = append(b.populateCols, col)
			b.populateVals = append(b.populateVals, ":"+param)
			b.populateNames = append(b.populateNames, param)

			b.insertCols = append(b.insertCols, col)
			b.insertVals = append(b.insertVals, ":"+param)
			b.insertNames = append(b.insertNames, param)
			// Points never carry references, so hydrate never touches
			// them; they're written once at populate/insert time.
		}

	case PropBinary, PropGeometryStream:
		param := "b_" + sanitize(p.Column)
		b.binaryCols = append(b.binaryCols, p.Column)
		b.binaryNames = append(b.binaryNames, param)

		b.populateCols = append(b.populateCols, p.Column)
		if p.Kind == PropGeometryStream {
			b.populateVals = append(b.populateVals, geometryRemapExpr(":"+param))
		} else {
			b.populateVals = append(b.populateVals, ":"+param)
		}
		b.populateNames = append(b.populateNames, param)

		b.insertCols = append(b.insertCols, p.Column)
		if p.Kind == PropGeometryStream {
			b.insertVals = append(b.insertVals, geometryRemapExpr(":"+param))
		} else {
			b.insertVals = append(b.insertVals, ":"+param)
		}
		b.insertNames = append(b.insertNames, param)

	case PropIdSet:
		// Each id in the set needs its own remap-table lookup and its
		// own dangling check, same as a relationship endpoint — not a
		// single inline SQL expression, so the Cloner resolves the whole
		// set in Go and this plan just binds the result. P1 writes a
		// static empty-set literal; hydrate/insert overwrite it with the
		// Cloner's remapped JSON array.
		param := "s_" + sanitize(p.Column)
		b.populateCols = append(b.populateCols, p.Column)
		b.populateVals = append(b.populateVals, "'[]'")

		b.hydrateSets = append(b.hydrateSets, fmt.Sprintf("%s = :%s", quoteIdent(p.Column), param))
		b.hydrateNames = append(b.hydrateNames, param)

		b.insertCols = append(b.insertCols, p.Column)
		b.insertVals = append(b.insertVals, ":"+param)
		b.insertNames = append(b.insertNames, param)

	case PropUnsupported:
		b.skipped = append(b.skipped, b.class.FullName()+"."+p.Name)

	default: // PropPrimitive
		param := "p_" + sanitize(p.Column)
		b.populateCols = append(b.populateCols, p.Column)
		b.populateVals = append(b.populateVals, ":"+param)
		b.populateNames = append(b.populateNames, param)

		b.hydrateSets = append(b.hydrateSets,
			fmt.Sprintf("%s = JSON_EXTRACT(:source_json, '$.%s')", quoteIdent(p.Column), p.Name))

		b.insertCols = append(b.insertCols, p.Column)
		b.insertVals = append(b.insertVals, ":"+param)
		b.insertNames = append(b.insertNames, param)
	}
	return nil
}

// remapTableForKind picks which of RemapContext's four temp tables a
// navigation property's target kind resolves through. Relationship
// endpoints are resolved in Go (RemapContext.FindTargetEntityId), never
// inline in SQL, since resolving them requires a recursive lookup; a
// navigation property that targets a Relationship is therefore bound by
// the Cloner, not by this inline expression, and remapTableForKind is
// never called for that case (addProperty checks for KindRelationship
// first).
func remapTableForKind(kind EntityKind) string {
	switch kind {
	case KindElement, KindModel:
		return elementRemapTemp
	case KindAspect:
		return aspectRemapTemp
	case KindCodeSpec:
		return codespecRemapTemp
	default:
		return elementRemapTemp
	}
}

// classIdSubquery translates a source RelECClassId to the target's
// corresponding class id by joining source.ec_Class to main.ec_Class on
// schema name + class name (spec.md §4.3 item 4).
func classIdSubquery(placeholder string) string {
	return fmt.Sprintf(
		`(SELECT tc.Id FROM source.ec_Class sc
		  JOIN source.ec_Schema ss ON sc.SchemaId = ss.Id
		  JOIN main.ec_Schema ts ON ts.Name = ss.Name
		  JOIN main.ec_Class tc ON tc.SchemaId = ts.Id AND tc.Name = sc.Name
		  WHERE sc.Id = %s)`, placeholder)
}

// geometryRemapExpr wraps a geometry-stream blob parameter in the
// registered RemapGeom SQL function, rewriting embedded element/font ids
// (spec.md §4.3's geometry-stream lowering rule).
func geometryRemapExpr(placeholder string) string {
	return fmt.Sprintf(`CAST(RemapGeom(%s, '%s', '%s') AS BINARY)`,
		placeholder, fontRemapTemp, elementRemapTemp)
}

// sanitize turns a "Col.Sub" navigation/point column name into a legal
// SQL parameter name fragment.
func sanitize(col string) string {
	return strings.NewReplacer(".", "_", " ", "_").Replace(col)
}

// quoteIdent double-quotes a physical column name that contains a dot
// (navigation columns "<Name>.Id"/"<Name>.RelECClassId", point columns
// "<Name>.X"/".Y"/".Z", and the Code triple's "CodeSpec.Id"/"CodeScope.Id")
// so SQLite parses it as one identifier rather than a table.column
// reference. Columns without a dot are returned unchanged.
func quoteIdent(col string) string {
	if strings.Contains(col, ".") {
		return `"` + col + `"`
	}
	return col
}

// quoteCols applies quoteIdent across a column list, used right before
// joining populate/insert column lists into SQL text.
func quoteCols(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = quoteIdent(c)
	}
	return out
}

package xform

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// Shared catalog DDL: every database in these tests (source and target
// alike) carries the same four EC metadata tables plus bis_Element,
// bis_CodeSpec and bis_Aspect, mirroring the minimal slice of the standard ECDb profile
// the source (schema introspection) and Orchestrator (bis_Element /
// bis_CodeSpec reads) both depend on.
const catalogDDL = `
CREATE TABLE ec_Schema (Id INTEGER PRIMARY KEY, Name TEXT NOT NULL);
CREATE TABLE ec_Class (
	Id INTEGER PRIMARY KEY, SchemaId INTEGER NOT NULL, Name TEXT NOT NULL,
	TableName TEXT NOT NULL, IsElement INTEGER NOT NULL DEFAULT 0,
	IsModel INTEGER NOT NULL DEFAULT 0, IsAspect INTEGER NOT NULL DEFAULT 0,
	IsRelationship INTEGER NOT NULL DEFAULT 0, IsAbstract INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE ec_Property (
	Id INTEGER PRIMARY KEY, ClassId INTEGER NOT NULL, Name TEXT NOT NULL,
	Kind TEXT NOT NULL, ColumnName TEXT NOT NULL, ExtendedTypeName TEXT,
	Ordinal INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE ec_NavigationPropertyRootClass (PropertyId INTEGER NOT NULL, TargetRootClass TEXT NOT NULL);

CREATE TABLE bis_Element (
	ECInstanceId INTEGER PRIMARY KEY, ECClassId INTEGER NOT NULL,
	"CodeSpec.Id" INTEGER, "CodeScope.Id" INTEGER, CodeValue TEXT,
	"Parent.Id" INTEGER, "Parent.RelECClassId" INTEGER,
	ExcludedElements TEXT
);
CREATE TABLE bis_CodeSpec (ECInstanceId INTEGER PRIMARY KEY, Name TEXT NOT NULL, ScopeType TEXT NOT NULL DEFAULT '');
CREATE TABLE bis_Aspect (
	ECInstanceId INTEGER PRIMARY KEY, ECClassId INTEGER NOT NULL,
	"Element.Id" INTEGER, "Element.RelECClassId" INTEGER
);
`

// setupPairedDBs creates source and target SQLite files, each stamped
// with catalogDDL, and returns them already attached (target has source
// attached under the "source" schema, matching Orchestrator's
// production wiring).
func setupPairedDBs(t *testing.T) (source, target *sql.DB) {
	t.Helper()
	dir := t.TempDir()
	sourcePath := filepath.Join(dir, "source.db")
	targetPath := filepath.Join(dir, "target.db")

	source, err := OpenSource(sourcePath)
	// OpenSource opens read-only; the file must exist first, so create
	// it read-write, stamp the schema, then reopen read-only.
	_ = source
	if err == nil {
		source.Close()
	}

	rw, err := sql.Open("sqlite", "file:"+sourcePath)
	if err != nil {
		t.Fatalf("creating source file: %v", err)
	}
	if _, err := rw.Exec(catalogDDL); err != nil {
		t.Fatalf("stamping source catalog: %v", err)
	}
	rw.Close()

	target, err = OpenTarget(targetPath)
	if err != nil {
		t.Fatalf("opening target: %v", err)
	}
	if _, err := target.Exec(catalogDDL); err != nil {
		t.Fatalf("stamping target catalog: %v", err)
	}

	source, err = OpenSource(sourcePath)
	if err != nil {
		t.Fatalf("opening source: %v", err)
	}

	ctx := context.Background()
	if err := AttachSource(ctx, target, sourcePath); err != nil {
		t.Fatalf("attaching source: %v", err)
	}
	t.Cleanup(func() {
		_ = DetachSource(ctx, target)
		source.Close()
		target.Close()
	})
	return source, target
}

func TestOrchestratorEmptyToEmpty(t *testing.T) {
	source, target := setupPairedDBs(t)

	orch := NewOrchestrator(source, target, Options{DanglingReferencesBehavior: DanglingReject})
	result, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if diff := cmp.Diff(Result{}, result); diff != "" {
		t.Fatalf("expected an all-zero Result for an empty copy (-want +got):\n%s", diff)
	}

	remap := orch.RemapContext()
	for _, id := range []Id{RootSubjectId, RootDictionaryId, RootRealityId} {
		got, ok := remap.FindTargetElementId(id)
		if !ok || got != id {
			t.Errorf("root id %s should map to itself, got %s (ok=%v)", id, got, ok)
		}
	}
	if got, ok := remap.FindTargetElementId(InvalidId); !ok || got != InvalidId {
		t.Errorf("invalid id must stay invalid, got %s (ok=%v)", got, ok)
	}
}

// seedElementClass registers "Test:Element" (table bis_Element) as an
// element class with a single Navigation property "Parent", in both
// databases' catalogs. classIdSubquery (used for hydrating
// Parent.RelECClassId) requires the class to exist identically in both
// source and target's ec_Schema/ec_Class tables.
func seedElementClass(t *testing.T, db *sql.DB, withNavCatalog bool) (classId int64) {
	t.Helper()
	res, err := db.Exec(`INSERT INTO ec_Schema (Name) VALUES ('Test')`)
	if err != nil {
		t.Fatalf("inserting schema: %v", err)
	}
	schemaId, _ := res.LastInsertId()

	res, err = db.Exec(
		`INSERT INTO ec_Class (SchemaId, Name, TableName, IsElement) VALUES (?, 'Element', 'bis_Element', 1)`, schemaId)
	if err != nil {
		t.Fatalf("inserting class: %v", err)
	}
	classId, _ = res.LastInsertId()

	res, err = db.Exec(
		`INSERT INTO ec_Property (ClassId, Name, Kind, ColumnName, Ordinal) VALUES (?, 'Parent', 'Navigation', 'Parent', 0)`,
		classId)
	if err != nil {
		t.Fatalf("inserting property: %v", err)
	}
	propId, _ := res.LastInsertId()

	if withNavCatalog {
		if _, err := db.Exec(
			`INSERT INTO ec_NavigationPropertyRootClass (PropertyId, TargetRootClass) VALUES (?, 'Element')`, propId); err != nil {
			t.Fatalf("inserting nav root class: %v", err)
		}
	}
	return classId
}

// seedAspectClass registers className (table bis_Aspect) as an aspect
// class with a single Navigation property "Element", in both databases'
// catalogs, mirroring seedElementClass.
func seedAspectClass(t *testing.T, db *sql.DB, className string, withNavCatalog bool) (classId int64) {
	t.Helper()
	res, err := db.Exec(`INSERT INTO ec_Schema (Name) VALUES ('Test')`)
	if err != nil {
		t.Fatalf("inserting schema: %v", err)
	}
	schemaId, _ := res.LastInsertId()

	res, err = db.Exec(
		`INSERT INTO ec_Class (SchemaId, Name, TableName, IsAspect) VALUES (?, ?, 'bis_Aspect', 1)`, schemaId, className)
	if err != nil {
		t.Fatalf("inserting class: %v", err)
	}
	classId, _ = res.LastInsertId()

	res, err = db.Exec(
		`INSERT INTO ec_Property (ClassId, Name, Kind, ColumnName, Ordinal) VALUES (?, 'Element', 'Navigation', 'Element', 0)`,
		classId)
	if err != nil {
		t.Fatalf("inserting property: %v", err)
	}
	propId, _ := res.LastInsertId()

	if withNavCatalog {
		if _, err := db.Exec(
			`INSERT INTO ec_NavigationPropertyRootClass (PropertyId, TargetRootClass) VALUES (?, 'Element')`, propId); err != nil {
			t.Fatalf("inserting nav root class: %v", err)
		}
	}
	return classId
}

func TestOrchestratorTwoElementChain(t *testing.T) {
	source, target := setupPairedDBs(t)

	classId := seedElementClass(t, source, true)
	seedElementClass(t, target, false) // target only needs the ec_Schema/ec_Class rows for classIdSubquery

	if _, err := source.Exec(
		`INSERT INTO bis_Element (ECInstanceId, ECClassId, "Parent.Id", "Parent.RelECClassId") VALUES (?, ?, ?, ?)`,
		0x20, classId, 0x1, classId); err != nil {
		t.Fatalf("inserting element 0x20: %v", err)
	}
	if _, err := source.Exec(
		`INSERT INTO bis_Element (ECInstanceId, ECClassId, "Parent.Id", "Parent.RelECClassId") VALUES (?, ?, ?, ?)`,
		0x21, classId, 0x20, classId); err != nil {
		t.Fatalf("inserting element 0x21: %v", err)
	}

	orch := NewOrchestrator(source, target, Options{DanglingReferencesBehavior: DanglingReject})
	result, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.ElementsCloned != 2 {
		t.Fatalf("expected 2 elements cloned, got %d", result.ElementsCloned)
	}

	remap := orch.RemapContext()
	t20, ok := remap.FindTargetElementId(0x20)
	if !ok {
		t.Fatalf("element 0x20 was not remapped")
	}
	t21, ok := remap.FindTargetElementId(0x21)
	if !ok {
		t.Fatalf("element 0x21 was not remapped")
	}

	var parentOf21, parentOf20 int64
	if err := target.QueryRow(`SELECT "Parent.Id" FROM bis_Element WHERE ECInstanceId = ?`, uint64(t21)).Scan(&parentOf21); err != nil {
		t.Fatalf("reading target parent of t21: %v", err)
	}
	if Id(parentOf21) != t20 {
		t.Errorf("element[t21].parent.id = %#x, want %s", parentOf21, t20)
	}
	if err := target.QueryRow(`SELECT "Parent.Id" FROM bis_Element WHERE ECInstanceId = ?`, uint64(t20)).Scan(&parentOf20); err != nil {
		t.Fatalf("reading target parent of t20: %v", err)
	}
	if Id(parentOf20) != RootSubjectId {
		t.Errorf("element[t20].parent.id = %#x, want root subject %s", parentOf20, RootSubjectId)
	}
}

func TestOrchestratorPreserveElementIdsForFiltering(t *testing.T) {
	source, target := setupPairedDBs(t)

	classId := seedElementClass(t, source, true)
	seedElementClass(t, target, false)

	if _, err := source.Exec(
		`INSERT INTO bis_Element (ECInstanceId, ECClassId, "Parent.Id", "Parent.RelECClassId") VALUES (?, ?, ?, ?)`,
		0x20, classId, 0x1, classId); err != nil {
		t.Fatalf("inserting element 0x20: %v", err)
	}
	if _, err := source.Exec(
		`INSERT INTO bis_Element (ECInstanceId, ECClassId, "Parent.Id", "Parent.RelECClassId") VALUES (?, ?, ?, ?)`,
		0x21, classId, 0x20, classId); err != nil {
		t.Fatalf("inserting element 0x21: %v", err)
	}

	orch := NewOrchestrator(source, target, Options{
		DanglingReferencesBehavior:    DanglingReject,
		PreserveElementIdsForFiltering: true,
	})
	if _, err := orch.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, ok := orch.RemapContext().FindTargetElementId(0x20)
	if !ok || got != 0x20 {
		t.Errorf("preserve-ids mode should keep 0x20 -> 0x20, got %s (ok=%v)", got, ok)
	}
	got, ok = orch.RemapContext().FindTargetElementId(0x21)
	if !ok || got != 0x21 {
		t.Errorf("preserve-ids mode should keep 0x21 -> 0x21, got %s (ok=%v)", got, ok)
	}

	// The target's id sequence must have advanced past the highest
	// preserved source id (0x21), not just past the target's own
	// pre-existing max (which is 0 here, an empty target): any id
	// allocated afterward must not collide with a preserved one.
	if orch.nextLocalId <= 0x21 {
		t.Errorf("id sequence did not advance past preserved id 0x21: nextLocalId = %#x", orch.nextLocalId)
	}
}

func TestOrchestratorCodeSpecCollision(t *testing.T) {
	source, target := setupPairedDBs(t)

	if _, err := source.Exec(`INSERT INTO bis_CodeSpec (ECInstanceId, Name) VALUES (?, 'X')`, 0x100); err != nil {
		t.Fatalf("inserting source codespec: %v", err)
	}
	if _, err := target.Exec(`INSERT INTO bis_CodeSpec (ECInstanceId, Name) VALUES (?, 'X')`, 0x200); err != nil {
		t.Fatalf("inserting target codespec: %v", err)
	}

	orch := NewOrchestrator(source, target, Options{DanglingReferencesBehavior: DanglingReject})
	result, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.CodeSpecsImported != 1 {
		t.Fatalf("expected 1 codespec processed, got %d", result.CodeSpecsImported)
	}

	got, ok := orch.RemapContext().FindTargetCodeSpecId(0x100)
	if !ok || got != 0x200 {
		t.Errorf("expected codespec 0x100 to resolve to existing target 0x200, got %s (ok=%v)", got, ok)
	}

	var count int
	if err := target.QueryRow(`SELECT COUNT(*) FROM bis_CodeSpec WHERE Name = 'X'`).Scan(&count); err != nil {
		t.Fatalf("counting target codespecs: %v", err)
	}
	if count != 1 {
		t.Errorf("expected no duplicate codespec row, found %d rows named X", count)
	}
}

func TestOrchestratorTargetScopeElementIdPin(t *testing.T) {
	source, target := setupPairedDBs(t)

	orch := NewOrchestrator(source, target, Options{
		DanglingReferencesBehavior: DanglingReject,
		TargetScopeElementId:       0x99,
	})
	if _, err := orch.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, ok := orch.RemapContext().FindTargetElementId(0x99)
	if !ok || got != 0x99 {
		t.Errorf("target scope element id should map to itself, got %s (ok=%v)", got, ok)
	}
}

func TestOrchestratorProvenanceAspectGating(t *testing.T) {
	source, target := setupPairedDBs(t)

	elemClassId := seedElementClass(t, source, true)
	seedElementClass(t, target, false)
	aspectClassId := seedAspectClass(t, source, "ExternalSourceAspect", true)
	seedAspectClass(t, target, "ExternalSourceAspect", false)

	if _, err := source.Exec(
		`INSERT INTO bis_Element (ECInstanceId, ECClassId, "Parent.Id", "Parent.RelECClassId") VALUES (?, ?, ?, ?)`,
		0x20, elemClassId, 0x1, elemClassId); err != nil {
		t.Fatalf("inserting element 0x20: %v", err)
	}
	if _, err := source.Exec(
		`INSERT INTO bis_Aspect (ECInstanceId, ECClassId, "Element.Id", "Element.RelECClassId") VALUES (?, ?, ?, ?)`,
		0x30, aspectClassId, 0x20, elemClassId); err != nil {
		t.Fatalf("inserting provenance aspect: %v", err)
	}

	orch := NewOrchestrator(source, target, Options{DanglingReferencesBehavior: DanglingReject})
	result, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.AspectsCloned != 0 {
		t.Errorf("expected the provenance aspect to be skipped by default, got %d aspects cloned", result.AspectsCloned)
	}

	source2, target2 := setupPairedDBs(t)
	elemClassId2 := seedElementClass(t, source2, true)
	seedElementClass(t, target2, false)
	aspectClassId2 := seedAspectClass(t, source2, "ExternalSourceAspect", true)
	seedAspectClass(t, target2, "ExternalSourceAspect", false)
	if _, err := source2.Exec(
		`INSERT INTO bis_Element (ECInstanceId, ECClassId, "Parent.Id", "Parent.RelECClassId") VALUES (?, ?, ?, ?)`,
		0x20, elemClassId2, 0x1, elemClassId2); err != nil {
		t.Fatalf("inserting element 0x20: %v", err)
	}
	if _, err := source2.Exec(
		`INSERT INTO bis_Aspect (ECInstanceId, ECClassId, "Element.Id", "Element.RelECClassId") VALUES (?, ?, ?, ?)`,
		0x30, aspectClassId2, 0x20, elemClassId2); err != nil {
		t.Fatalf("inserting provenance aspect: %v", err)
	}

	orch2 := NewOrchestrator(source2, target2, Options{
		DanglingReferencesBehavior: DanglingReject,
		IncludeSourceProvenance:    true,
	})
	result2, err := orch2.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result2.AspectsCloned != 1 {
		t.Errorf("expected the provenance aspect to be cloned with IncludeSourceProvenance, got %d aspects cloned", result2.AspectsCloned)
	}
}

func TestOrchestratorCodeSpecRepositoryScope(t *testing.T) {
	source, target := setupPairedDBs(t)

	classId := seedElementClass(t, source, true)
	seedElementClass(t, target, false)

	if _, err := source.Exec(
		`INSERT INTO bis_CodeSpec (ECInstanceId, Name, ScopeType) VALUES (?, 'Repo', 'Repository')`, 0x100); err != nil {
		t.Fatalf("inserting source codespec: %v", err)
	}
	if _, err := source.Exec(
		`INSERT INTO bis_Element (ECInstanceId, ECClassId, "Parent.Id", "Parent.RelECClassId", "CodeSpec.Id", "CodeScope.Id", CodeValue) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		0x20, classId, 0x1, classId, 0x100, 0x1, "foo"); err != nil {
		t.Fatalf("inserting element 0x20: %v", err)
	}

	orch := NewOrchestrator(source, target, Options{
		DanglingReferencesBehavior:   DanglingReject,
		WasSourceIModelCopiedToTarget: true,
	})
	if _, err := orch.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	t20, ok := orch.RemapContext().FindTargetElementId(0x20)
	if !ok {
		t.Fatalf("element 0x20 was not remapped")
	}
	var scopeId int64
	if err := target.QueryRow(`SELECT "CodeScope.Id" FROM bis_Element WHERE ECInstanceId = ?`, uint64(t20)).Scan(&scopeId); err != nil {
		t.Fatalf("reading target code scope: %v", err)
	}
	if Id(scopeId) != RootSubjectId {
		t.Errorf("repository-scoped code's scope on an intra-database transform = %#x, want root subject %s", scopeId, RootSubjectId)
	}
}

// seedExcludedElementsProperty registers an "ExcludedElements" id-set
// property on the element class classId returns, mirroring
// DisplayStyle.excludedElements (spec.md §4.5, §8 Scenario 4).
func seedExcludedElementsProperty(t *testing.T, db *sql.DB, classId int64) {
	t.Helper()
	if _, err := db.Exec(
		`INSERT INTO ec_Property (ClassId, Name, Kind, ColumnName, Ordinal) VALUES (?, 'ExcludedElements', 'IdSet', 'ExcludedElements', 1)`,
		classId); err != nil {
		t.Fatalf("inserting ExcludedElements property: %v", err)
	}
}

func TestOrchestratorIdSetDanglingReject(t *testing.T) {
	source, target := setupPairedDBs(t)

	classId := seedElementClass(t, source, true)
	seedExcludedElementsProperty(t, source, classId)
	seedElementClass(t, target, false)

	if _, err := source.Exec(
		`INSERT INTO bis_Element (ECInstanceId, ECClassId, "Parent.Id", "Parent.RelECClassId", ExcludedElements) VALUES (?, ?, ?, ?, ?)`,
		0x20, classId, 0x1, classId, `["0x1","0x999"]`); err != nil {
		t.Fatalf("inserting element 0x20: %v", err)
	}

	orch := NewOrchestrator(source, target, Options{DanglingReferencesBehavior: DanglingReject})
	if _, err := orch.Run(context.Background()); err == nil {
		t.Fatalf("Run should have failed on a dangling id-set member, got no error")
	}
}

func TestOrchestratorIdSetDanglingIgnore(t *testing.T) {
	source, target := setupPairedDBs(t)

	classId := seedElementClass(t, source, true)
	seedExcludedElementsProperty(t, source, classId)
	seedElementClass(t, target, false)

	if _, err := source.Exec(
		`INSERT INTO bis_Element (ECInstanceId, ECClassId, "Parent.Id", "Parent.RelECClassId", ExcludedElements) VALUES (?, ?, ?, ?, ?)`,
		0x20, classId, 0x1, classId, `["0x1","0x999"]`); err != nil {
		t.Fatalf("inserting element 0x20: %v", err)
	}

	orch := NewOrchestrator(source, target, Options{DanglingReferencesBehavior: DanglingIgnore})
	result, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.DanglingReferences) != 1 {
		t.Fatalf("DanglingReferences = %v, want exactly one entry", result.DanglingReferences)
	}

	t20, ok := orch.RemapContext().FindTargetElementId(0x20)
	if !ok {
		t.Fatalf("element 0x20 was not remapped")
	}
	var excluded string
	if err := target.QueryRow(`SELECT ExcludedElements FROM bis_Element WHERE ECInstanceId = ?`, uint64(t20)).Scan(&excluded); err != nil {
		t.Fatalf("reading target ExcludedElements: %v", err)
	}
	want := `["0x1"]`
	if excluded != want {
		t.Errorf("ExcludedElements = %q, want %q (only the resolved id kept)", excluded, want)
	}
}

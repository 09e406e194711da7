package xform

import "testing"

func TestRefTypeCachePutLookup(t *testing.T) {
	c := &RefTypeCache{}
	c.Put("BisCore", "Element", "Parent", KindElement)
	c.Put("BisCore", "GeometricElement3d", "TypeDefinition", KindElement)
	c.Put("BisCore", "Element", "CodeSpec", KindCodeSpec)

	got, err := c.Lookup("BisCore", "Element", "Parent")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != KindElement {
		t.Errorf("Lookup(Element.Parent) = %v, want KindElement", got)
	}

	got, err = c.Lookup("BisCore", "Element", "CodeSpec")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != KindCodeSpec {
		t.Errorf("Lookup(Element.CodeSpec) = %v, want KindCodeSpec", got)
	}

	if _, err := c.Lookup("BisCore", "Element", "NoSuchProperty"); err == nil {
		t.Error("Lookup of an unregistered property should fail")
	} else if !IsKind(err, KindSchemaMissing) {
		t.Errorf("expected KindSchemaMissing, got %v", err)
	}
}

func TestRootClassToKind(t *testing.T) {
	cases := map[string]EntityKind{
		"Element":                 KindElement,
		"Model":                   KindModel,
		"UniqueAspect":            KindAspect,
		"MultiAspect":             KindAspect,
		"ElementAspect":           KindAspect,
		"CodeSpec":                KindCodeSpec,
		"Relationship":            KindRelationship,
		"ElementRefersToElements": KindRelationship,
		"ElementDrivesElement":    KindRelationship,
	}
	for rootClass, want := range cases {
		got, err := rootClassToKind(rootClass)
		if err != nil {
			t.Fatalf("rootClassToKind(%q): %v", rootClass, err)
		}
		if got != want {
			t.Errorf("rootClassToKind(%q) = %v, want %v", rootClass, got, want)
		}
	}

	if _, err := rootClassToKind("NotARealRootClass"); err == nil {
		t.Error("rootClassToKind on an unknown root class should fail")
	} else if !IsKind(err, KindUnknownRootClass) {
		t.Errorf("expected KindUnknownRootClass, got %v", err)
	}
}

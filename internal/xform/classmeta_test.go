package xform

import "testing"

func TestLowerProperty(t *testing.T) {
	cases := []struct {
		name, kind, column, extType string
		want                        PropertyDescriptor
	}{
		{
			name: "Parent", kind: "Navigation", column: "Parent",
			want: PropertyDescriptor{Name: "Parent", Kind: PropNavigation, NavIdColumn: "Parent.Id", NavRelClassColumn: "Parent.RelECClassId"},
		},
		{
			name: "TypeDefinition", kind: "IdLong", column: "TypeDefinitionId",
			want: PropertyDescriptor{Name: "TypeDefinition", Kind: PropIdLong, Column: "TypeDefinitionId"},
		},
		{
			name: "Origin", kind: "Point2d", column: "Origin",
			want: PropertyDescriptor{Name: "Origin", Kind: PropPoint2D, PointColumns: []string{"Origin.X", "Origin.Y"}},
		},
		{
			name: "Origin3d", kind: "Point3d", column: "Origin",
			want: PropertyDescriptor{Name: "Origin3d", Kind: PropPoint3D, PointColumns: []string{"Origin.X", "Origin.Y", "Origin.Z"}},
		},
		{
			name: "GeometryStream", kind: "Binary", column: "GeometryStream", extType: "GeometryStream",
			want: PropertyDescriptor{Name: "GeometryStream", Kind: PropGeometryStream, Column: "GeometryStream"},
		},
		{
			name: "Thumbnail", kind: "Binary", column: "Thumbnail",
			want: PropertyDescriptor{Name: "Thumbnail", Kind: PropBinary, Column: "Thumbnail"},
		},
		{
			name: "Tags", kind: "Array", column: "Tags",
			want: PropertyDescriptor{Name: "Tags", Kind: PropUnsupported, Column: "Tags"},
		},
		{
			name: "ExcludedElements", kind: "IdSet", column: "ExcludedElements",
			want: PropertyDescriptor{Name: "ExcludedElements", Kind: PropIdSet, Column: "ExcludedElements"},
		},
		{
			name: "Label", kind: "String", column: "Label",
			want: PropertyDescriptor{Name: "Label", Kind: PropPrimitive, Column: "Label"},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := lowerProperty(c.name, c.kind, c.column, c.extType)
			if got.Name != c.want.Name || got.Kind != c.want.Kind || got.Column != c.want.Column ||
				got.NavIdColumn != c.want.NavIdColumn || got.NavRelClassColumn != c.want.NavRelClassColumn ||
				len(got.PointColumns) != len(c.want.PointColumns) {
				t.Fatalf("lowerProperty(%q,%q,%q,%q) = %+v, want %+v", c.name, c.kind, c.column, c.extType, got, c.want)
			}
			for i := range got.PointColumns {
				if got.PointColumns[i] != c.want.PointColumns[i] {
					t.Errorf("PointColumns[%d] = %q, want %q", i, got.PointColumns[i], c.want.PointColumns[i])
				}
			}
		})
	}
}

func TestClassMetadataFullName(t *testing.T) {
	cm := &ClassMetadata{SchemaName: "BisCore", ClassName: "Element"}
	if got, want := cm.FullName(), "BisCore:Element"; got != want {
		t.Errorf("FullName() = %q, want %q", got, want)
	}
}

package xform

import (
	"context"
	"database/sql"
)

// PropertyKind classifies how a property is stored and therefore how it
// must be lowered into SQL by ClassPlan (spec.md §4.3).
type PropertyKind int

// Property kinds used by the core.
const (
	PropPrimitive PropertyKind = iota
	PropIdLong
	PropPoint2D
	PropPoint3D
	PropBinary
	PropNavigation
	PropGeometryStream
	PropIdSet // a JSON array of element ids (e.g. DisplayStyle.excludedElements)
	PropUnsupported // arrays, structs, struct arrays: skipped with a warning
)

// PropertyDescriptor is a table-driven replacement for the source's
// runtime reflection over schema metadata: a list of these, built once
// per class, drives the hot loop's dispatch instead of reflecting on
// each row.
type PropertyDescriptor struct {
	Name string
	Kind PropertyKind

	// Column is the storage column name for scalar/binary/Id-typed
	// properties and for the geometry stream.
	Column string

	// NavIdColumn/NavRelClassColumn are the two physical columns backing
	// a navigation property ("<Name>.Id" / "<Name>.RelECClassId").
	NavIdColumn      string
	NavRelClassColumn string

	// PointColumns holds the expanded .x/.y[/.z] column names for point
	// properties, in order.
	PointColumns []string
}

// ClassMetadata describes one concrete class: its fully qualified name,
// schema-level class id, backing table, and ordered property list.
type ClassMetadata struct {
	SchemaName string
	ClassName  string
	ECClassId  Id
	TableName  string
	Properties []PropertyDescriptor

	// IsElement / IsModel / IsAspect / IsRelationship classify which
	// principal entity kind this concrete class belongs to, driving
	// which ClassPlan statements are built for it.
	IsElement      bool
	IsModel        bool
	IsAspect       bool
	IsRelationship bool
}

// FullName returns "Schema:Class".
func (c *ClassMetadata) FullName() string {
	return c.SchemaName + ":" + c.ClassName
}

// LoadClassCatalog enumerates every concrete class in the source's
// schema catalog along with its property list, in the shape ClassPlan
// needs. This is the one-time reflective walk described in spec.md §9
// ("Runtime reflection over schemas"): the result is cached for the
// lifetime of the transform.
func LoadClassCatalog(ctx context.Context, source *sql.DB) (map[string]*ClassMetadata, error) {
	classes := make(map[string]*ClassMetadata)

	rows, err := source.QueryContext(ctx, classCatalogSQL)
	if err != nil {
		return nil, wrapErr(KindSchemaMissing, err, "querying class catalog")
	}
	defer rows.Close()

	for rows.Next() {
		var schemaName, className, tableName string
		var classId uint64
		var isElement, isModel, isAspect, isRelationship bool
		if err := rows.Scan(&schemaName, &className, &classId, &tableName,
			&isElement, &isModel, &isAspect, &isRelationship); err != nil {
			return nil, wrapErr(KindSchemaMissing, err, "scanning class catalog row")
		}
		cm := &ClassMetadata{
			SchemaName:     schemaName,
			ClassName:      className,
			ECClassId:      Id(classId),
			TableName:      tableName,
			IsElement:      isElement,
			IsModel:        isModel,
			IsAspect:       isAspect,
			IsRelationship: isRelationship,
		}
		classes[cm.FullName()] = cm
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(KindSchemaMissing, err, "iterating class catalog")
	}

	if err := loadClassProperties(ctx, source, classes); err != nil {
		return nil, err
	}
	return classes, nil
}

const classCatalogSQL = `
SELECT s.Name, c.Name, c.Id, c.TableName,
       c.IsElement, c.IsModel, c.IsAspect, c.IsRelationship
FROM ec_Class c
JOIN ec_Schema s ON c.SchemaId = s.Id
WHERE c.IsAbstract = 0
`

func loadClassProperties(ctx context.Context, source *sql.DB, classes map[string]*ClassMetadata) error {
	rows, err := source.QueryContext(ctx, classPropertyCatalogSQL)
	if err != nil {
		return wrapErr(KindSchemaMissing, err, "querying property catalog")
	}
	defer rows.Close()

	for rows.Next() {
		var schemaName, className, propName, propKind, column string
		var extType sql.NullString
		if err := rows.Scan(&schemaName, &className, &propName, &propKind, &column, &extType); err != nil {
			return wrapErr(KindSchemaMissing, err, "scanning property catalog row")
		}
		cm, ok := classes[schemaName+":"+className]
		if !ok {
			continue
		}
		cm.Properties = append(cm.Properties, lowerProperty(propName, propKind, column, extType.String))
	}
	return rows.Err()
}

const classPropertyCatalogSQL = `
SELECT s.Name, c.Name, p.Name, p.Kind, p.ColumnName, p.ExtendedTypeName
FROM ec_Property p
JOIN ec_Class c ON p.ClassId = c.Id
JOIN ec_Schema s ON c.SchemaId = s.Id
ORDER BY p.Ordinal
`

// lowerProperty applies the property-kind lowering rules of spec.md
// §4.3: navigation expands to two columns, points expand to x/y[/z],
// geometry streams and binaries bind as BLOBs, Id-typed longs remap
// through the element table, a JSON array of element ids (modelSelector,
// categorySelector, displayStyle's excludedElements) is classified
// PropIdSet so the Cloner remaps each id individually, everything else
// copies as-is, and compound types (arrays/structs/struct arrays) are
// marked unsupported.
func lowerProperty(name, kind, column, extType string) PropertyDescriptor {
	switch kind {
	case "Navigation":
		return PropertyDescriptor{
			Name:              name,
			Kind:              PropNavigation,
			NavIdColumn:       column + ".Id",
			NavRelClassColumn: column + ".RelECClassId",
		}
	case "IdLong":
		return PropertyDescriptor{Name: name, Kind: PropIdLong, Column: column}
	case "Point2d":
		return PropertyDescriptor{Name: name, Kind: PropPoint2D, PointColumns: []string{column + ".X", column + ".Y"}}
	case "Point3d":
		return PropertyDescriptor{Name: name, Kind: PropPoint3D, PointColumns: []string{column + ".X", column + ".Y", column + ".Z"}}
	case "Binary":
		if extType == "GeometryStream" {
			return PropertyDescriptor{Name: name, Kind: PropGeometryStream, Column: column}
		}
		return PropertyDescriptor{Name: name, Kind: PropBinary, Column: column}
	case "IdSet":
		return PropertyDescriptor{Name: name, Kind: PropIdSet, Column: column}
	case "Array", "Struct", "StructArray":
		return PropertyDescriptor{Name: name, Kind: PropUnsupported, Column: column}
	default:
		return PropertyDescriptor{Name: name, Kind: PropPrimitive, Column: column}
	}
}

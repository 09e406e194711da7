package xform

import (
	"context"
	"database/sql"
	"fmt"
)

// refKey is the three-level lookup key (schema, class, property) for a
// navigation property's target entity kind.
type refKey struct {
	Schema   string
	Class    string
	Property string
}

// RefTypeCache memoizes, for every navigation property in the source's
// schema catalog, which entity kind it points to. A navigation property
// column stores only a numeric id and an optional class-id; without this
// cache the core cannot know whether a given reference is an Element, an
// Aspect, a Model, a CodeSpec, or a Relationship endpoint.
type RefTypeCache struct {
	kinds map[refKey]EntityKind
}

// BuildRefTypeCache iterates every schema of the source database and, for
// every navigation property, records the target's entity kind. The
// source is expected to expose ec_Schema/ec_Class/ec_Property metadata
// tables plus ec_NavigationPropertyRootClass (or equivalent views)
// giving each navigation property's target root class.
func BuildRefTypeCache(ctx context.Context, source *sql.DB) (*RefTypeCache, error) {
	rows, err := source.QueryContext(ctx, navigationPropertyCatalogSQL)
	if err != nil {
		return nil, wrapErr(KindSchemaMissing, err, "querying navigation property catalog")
	}
	defer rows.Close()

	c := &RefTypeCache{kinds: make(map[refKey]EntityKind)}
	for rows.Next() {
		var schemaName, className, propName, targetRootClass string
		if err := rows.Scan(&schemaName, &className, &propName, &targetRootClass); err != nil {
			return nil, wrapErr(KindSchemaMissing, err, "scanning navigation property catalog row")
		}
		kind, err := rootClassToKind(targetRootClass)
		if err != nil {
			return nil, err
		}
		c.kinds[refKey{schemaName, className, propName}] = kind
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(KindSchemaMissing, err, "iterating navigation property catalog")
	}
	return c, nil
}

// navigationPropertyCatalogSQL enumerates every navigation property
// across every schema, together with the root class (Element/Model/
// UniqueAspect/MultiAspect/CodeSpec/relationship) its target constraint
// resolves to. The exact catalog layout is schema-specific; this
// statement walks the ec_Schema/ec_Class/ec_Property tables and reads
// each property's target root class from ec_NavigationPropertyRootClass.
const navigationPropertyCatalogSQL = `
SELECT s.Name, c.Name, p.Name, rc.TargetRootClass
FROM ec_Property p
JOIN ec_Class c ON p.ClassId = c.Id
JOIN ec_Schema s ON c.SchemaId = s.Id
JOIN ec_NavigationPropertyRootClass rc ON rc.PropertyId = p.Id
WHERE p.Kind = 'Navigation'
`

func rootClassToKind(rootClass string) (EntityKind, error) {
	switch rootClass {
	case "Element":
		return KindElement, nil
	case "Model":
		return KindModel, nil
	case "UniqueAspect", "MultiAspect", "ElementAspect":
		return KindAspect, nil
	case "CodeSpec":
		return KindCodeSpec, nil
	case "Relationship", "ElementRefersToElements", "ElementDrivesElement":
		return KindRelationship, nil
	default:
		return 0, newErr(KindUnknownRootClass, "unrecognized navigation property root class %q", rootClass)
	}
}

// Lookup resolves the entity kind for a navigation property. A missing
// entry is a programming error per spec.md §4.1: the schema claims the
// property is navigation, but the cache was never told what it points
// to.
func (c *RefTypeCache) Lookup(schema, class, property string) (EntityKind, error) {
	if k, ok := c.kinds[refKey{schema, class, property}]; ok {
		return k, nil
	}
	return 0, newErr(KindSchemaMissing,
		"no RefTypeCache entry for %s:%s.%s", schema, class, property)
}

// Put installs a known mapping directly, bypassing the source catalog.
// Used by tests and by callers that pre-seed well-known navigation
// properties (e.g. BisCore:Element.Parent) without a full schema walk.
func (c *RefTypeCache) Put(schema, class, property string, kind EntityKind) {
	if c.kinds == nil {
		c.kinds = make(map[refKey]EntityKind)
	}
	c.kinds[refKey{schema, class, property}] = kind
}

func (c *RefTypeCache) String() string {
	return fmt.Sprintf("RefTypeCache{%d properties}", len(c.kinds))
}

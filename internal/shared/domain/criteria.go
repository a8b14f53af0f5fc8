package domain

// ---------------- Operadores ----------------

type Operator string

const (
	OpEq  Operator = "="
	OpGt  Operator = ">"
	OpGte Operator = ">="
	OpLt  Operator = "<"
	OpLte Operator = "<="
	// OpEqFold compara strings sin distinguir mayúsculas/minúsculas.
	// Cada adaptador lo traduce a su forma nativa (LOWER(x)=LOWER(?), regex /i, EqualFold).
	OpEqFold Operator = "EQ_FOLD"
)

type LogicalOperator string

const (
	OpAnd LogicalOperator = "AND"
)

// ---------------- Criterion ----------------

// Criterion describe una condición neutral de filtrado
type Criterion struct {
	Field string
	Op    Operator
	Value interface{}
}

// ---------------- Criteria interface ----------------

// Criteria permite transformar filtros a condiciones neutrales
type Criteria interface {
	ToConditions() []Criterion
}

// ---------------- Composite Criteria ----------------

// CompositeCriteria agrupa criterios. Solo se soporta AND: todos los
// adaptadores de persistencia combinan las condiciones con AND.
type CompositeCriteria struct {
	Operator  LogicalOperator
	Criterias []Criteria
}

func (c CompositeCriteria) ToConditions() []Criterion {
	var all []Criterion
	for _, crit := range c.Criterias {
		if crit == nil {
			continue
		}
		all = append(all, crit.ToConditions()...)
	}
	return all
}

// ---------------- Helpers ----------------

// And crea un CompositeCriteria con operador AND
func And(criterias ...Criteria) CompositeCriteria {
	return CompositeCriteria{Operator: OpAnd, Criterias: criterias}
}

// Conditions devuelve las condiciones de c, tolerando un criteria nil.
func Conditions(c Criteria) []Criterion {
	if c == nil {
		return nil
	}
	return c.ToConditions()
}

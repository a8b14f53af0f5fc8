package query

// ---------- Tipos de paginación / ordenamiento ----------

// OffsetPagination para paginación clásica. Limit <= 0 significa sin límite.
type OffsetPagination struct {
	Limit  int
	Offset int
}

// Interfaz genérica para paginación (nil = sin paginar)
type Pagination interface{}

// Sort indica campo y dirección.
type Sort struct {
	Field string // ej. "created_at", "updated_at", "auction_end"
	Desc  bool
}

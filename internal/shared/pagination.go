package shared

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// NormalizePage clamps a requested limit/offset pair.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Package ptr provides tiny pointer helpers for optional values.
package ptr

// To returns a pointer to v.
func To[T any](v T) *T {
	return &v
}

package storedb

import "reflect"

// newLike allocates a fresh zero value shaped like sample: if sample is a
// pointer, a new pointer to its element type is returned; otherwise a
// pointer to a new value of sample's own type is returned.
func newLike(sample any) any {
	t := reflect.TypeOf(sample)
	if t.Kind() == reflect.Ptr {
		return reflect.New(t.Elem()).Interface()
	}
	return reflect.New(t).Interface()
}

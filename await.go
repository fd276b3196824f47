package futures

// awaitAs resolves f on the calling fiber and asserts the value type.
func awaitAs[T any](f Future, expected string) (T, error) {
	var zero T
	v, err := Await(f)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, &TypeMismatchError{Got: v, Expected: expected}
	}
	return t, nil
}

// AwaitInt64 awaits f and returns the result as an int64. The resolved
// value must be an int64 or a TypeMismatchError is returned.
func AwaitInt64(f Future) (int64, error) {
	return awaitAs[int64](f, "int64")
}

// AwaitUint64 awaits f and returns the result as a uint64.
func AwaitUint64(f Future) (uint64, error) {
	return awaitAs[uint64](f, "uint64")
}

// AwaitInt awaits f and returns the result as an int.
func AwaitInt(f Future) (int, error) {
	return awaitAs[int](f, "int")
}

// AwaitBool awaits f and returns the result as a bool.
func AwaitBool(f Future) (bool, error) {
	return awaitAs[bool](f, "bool")
}

// AwaitString awaits f and returns the result as a string.
func AwaitString(f Future) (string, error) {
	return awaitAs[string](f, "string")
}

// AwaitFloat64 awaits f and returns the result as a float64.
func AwaitFloat64(f Future) (float64, error) {
	return awaitAs[float64](f, "float64")
}

// AwaitBytes awaits f and returns the result as a byte slice.
func AwaitBytes(f Future) ([]byte, error) {
	return awaitAs[[]byte](f, "[]byte")
}

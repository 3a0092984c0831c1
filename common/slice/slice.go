package slice

func Contain[T comparable](slice []T, ele T) bool {
	for _, s := range slice {
		if s == ele {
			return true
		}
	}
	return false
}

func InSlice[T comparable](ele T, container ...T) bool {
	return Contain(container, ele)
}

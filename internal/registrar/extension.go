package registrar

import "strconv"

func parseExtension(number string) (int, error) {
	return strconv.Atoi(number)
}

func formatExtension(n int) string {
	return strconv.Itoa(n)
}

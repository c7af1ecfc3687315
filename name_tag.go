package main

// tagName strips one trailing category tag and appends " (CATEGORY)".
//
// A trailing tag is exactly: a space, "(", one or more ASCII upper-case
// letters, ")" at the end of the string. Any other parentheses are kept.
func tagName(name string, c Category) string {
	return stripCategoryTag(name) + " (" + c.String() + ")"
}

func stripCategoryTag(name string) string {
	n := len(name)
	if n < 4 || name[n-1] != ')' {
		return name
	}
	i := n - 2
	for i >= 0 && name[i] >= 'A' && name[i] <= 'Z' {
		i--
	}
	// i must land on "(" with at least one letter after it and a space before it.
	if i == n-2 || i < 1 || name[i] != '(' || name[i-1] != ' ' {
		return name
	}
	return name[:i-1]
}

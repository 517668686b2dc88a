// Package gitignore matches paths against gitignore-style patterns.
//
// The scanner consults a Matcher so that files excluded by a folder's
// .gitignore files never enter the index. The full pattern syntax from
// https://git-scm.com/docs/gitignore is supported: wildcards (*, ?, **),
// anchored patterns (/build), directory-only patterns (build/), and
// negations (!important.log). Nested ignore files are merged with
// AddFromFile, whose base argument scopes their patterns to the
// subdirectory they live in:
//
//	m := gitignore.New()
//	m.AddFromFile(filepath.Join(root, ".gitignore"), "")
//	m.AddFromFile(filepath.Join(root, "src", ".gitignore"), "src")
//
//	if m.Match("src/build/out.js", false) {
//	    // excluded from the index
//	}
package gitignore

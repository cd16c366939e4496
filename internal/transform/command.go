package transform

import "strings"

// categoryRule matches a command's leading token(s) against one category.
// Rules are ordered: the first match wins.
type categoryRule struct {
	prefixes []string
	category string
}

var categoryRules = []categoryRule{
	// Version control first: "git" beats everything.
	{[]string{"git"}, "git"},

	// Package managers.
	{[]string{"npm", "yarn", "pnpm", "bun"}, "npm"},
	{[]string{"pip", "poetry", "pipenv"}, "python"},
	{[]string{"composer"}, "php"},
	{[]string{"brew"}, "brew"},

	// Language runtimes.
	{[]string{"node", "deno", "bun"}, "nodejs"},
	{[]string{"python"}, "python"},
	{[]string{"php", "artisan"}, "php"},
	{[]string{"ruby"}, "ruby"},

	// Build tools and bundlers.
	{[]string{"make", "cmake", "ninja"}, "build"},
	{[]string{"webpack", "vite", "rollup", "esbuild"}, "bundler"},

	// Test runners.
	{[]string{"jest", "vitest", "pytest", "phpunit", "cargo test"}, "test"},

	// Filesystem inspection.
	{[]string{"find", "ls", "tree", "du", "df"}, "filesystem"},
	{[]string{"grep", "rg", "ag", "ack"}, "search"},
	{[]string{"cat", "head", "tail", "less", "more"}, "fileview"},

	// System.
	{[]string{"ps", "top", "htop", "kill"}, "process"},
	{[]string{"curl", "wget", "http"}, "network"},
}

// CategoryShell is the fallback category for unrecognized commands.
const CategoryShell = "shell"

// Categorize classifies a shell command string by its leading token(s).
// Every input yields exactly one category; empty input yields the default.
func Categorize(command string) string {
	if command == "" {
		return CategoryShell
	}
	for _, rule := range categoryRules {
		for _, prefix := range rule.prefixes {
			if matchesLeadingToken(command, prefix) {
				return rule.category
			}
		}
	}
	return CategoryShell
}

// matchesLeadingToken reports whether command starts with prefix followed by
// whitespace. The boundary requirement keeps "gitk" out of "git" and bare
// "ls" (no arguments) in the default category, matching prefix rules rather
// than whole-command equality.
func matchesLeadingToken(command, prefix string) bool {
	if !strings.HasPrefix(command, prefix) {
		return false
	}
	rest := command[len(prefix):]
	return rest != "" && (rest[0] == ' ' || rest[0] == '\t')
}

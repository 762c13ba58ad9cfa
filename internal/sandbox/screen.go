package sandbox

import "regexp"

type screenRule struct {
	name    string
	pattern *regexp.Regexp
}

// blocklist is matched against the raw source before anything runs.
// Rule names are for server logs only.
var blocklist = []screenRule{
	{"eval", regexp.MustCompile(`\beval\s*\(`)},
	{"function-constructor", regexp.MustCompile(`\bFunction\b`)},
	{"constructor-access", regexp.MustCompile(`\.\s*constructor\b|['"\x60]constructor['"\x60]`)},
	{"reflect-construct", regexp.MustCompile(`\bReflect\s*(\.\s*construct\b|\[)`)},
	{"proto", regexp.MustCompile(`__proto__|\bsetPrototypeOf\b`)},
	{"timers", regexp.MustCompile(`\b(setTimeout|setInterval|setImmediate)\s*\(`)},
	{"module-loading", regexp.MustCompile(`\brequire\s*\(|\bimport\s*\(|(?m)^\s*import\s+[\w{*'"]`)},
	{"process", regexp.MustCompile(`\bprocess\s*[.\[]|\bchild_process\b|\bglobalThis\b`)},
	{"filesystem", regexp.MustCompile(`\bfs\s*\.|\bDeno\b|\bBun\b`)},
	{"network", regexp.MustCompile(`\bfetch\s*\(|\bXMLHttpRequest\b|\bWebSocket\b|\bnavigator\s*\.`)},
	{"infinite-while", regexp.MustCompile(`\bwhile\s*\(\s*(true|1|!0|!false)\s*\)`)},
	{"infinite-for", regexp.MustCompile(`\bfor\s*\(\s*;\s*;\s*\)`)},
}

// Screen reports the first blocklist rule matched by code.
func Screen(code string) (rule string, blocked bool) {
	for _, r := range blocklist {
		if r.pattern.MatchString(code) {
			return r.name, true
		}
	}
	return "", false
}

package models

import "regexp"

type AttackCategory string

const (
	AttackSQLInjection       AttackCategory = "sql_injection"
	AttackXSS                AttackCategory = "xss"
	AttackPathTraversal      AttackCategory = "path_traversal"
	AttackCommandInjection   AttackCategory = "command_injection"
	AttackLDAPInjection      AttackCategory = "ldap_injection"
	AttackXMLInjection       AttackCategory = "xml_injection"
	AttackNoSQLInjection     AttackCategory = "nosql_injection"
	AttackSSRF               AttackCategory = "ssrf"
	AttackXXE                AttackCategory = "xxe"
	AttackPrototypePollution AttackCategory = "prototype_pollution"
	AttackBruteForce         AttackCategory = "brute_force"
)

// AttackSignature is immutable once the library is built.
type AttackSignature struct {
	Category AttackCategory
	Pattern  *regexp.Regexp
	Weight   float64
}

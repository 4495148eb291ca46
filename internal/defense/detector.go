package defense

import "strings"

// SuspiciousPaths are prefixes requested by vulnerability scanners. The relay
// serves none of them.
var SuspiciousPaths = []string{
	"/.env",
	"/.git",
	"/.aws/",
	"/.htpasswd",
	"/.htaccess",
	"/.ds_store",
	"/wp-admin",
	"/wp-login",
	"/wp-content",
	"/phpmyadmin",
	"/phpinfo",
	"/admin",
	"/config.json",
	"/secrets.json",
	"/backup",
	"/api/.env",
	"/api/.git",
	"/api/config",
	"/api/secrets",
	"/server-status",
	"/cgi-bin/",
	"/actuator",
	"/shell",
	"/eval",
	"/exec",
}

var scannerUserAgents = []string{
	"sqlmap",
	"nikto",
	"nmap",
	"masscan",
	"zgrab",
	"gobuster",
	"dirbuster",
	"wfuzz",
	"ffuf",
	"nuclei",
}

// IsSuspiciousPath reports whether path starts with a scanner prefix.
func IsSuspiciousPath(path string) bool {
	lower := strings.ToLower(path)
	for _, p := range SuspiciousPaths {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// IsScannerUserAgent reports whether ua names a known scanning tool.
func IsScannerUserAgent(ua string) bool {
	lower := strings.ToLower(ua)
	for _, s := range scannerUserAgents {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Package buildinfo carries values stamped in with -ldflags "-X".
package buildinfo

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

func Info() map[string]string {
	return map[string]string{
		"version": Version,
		"commit":  Commit,
		"builtAt": BuiltAt,
	}
}

// UserAgent identifies outbound requests made by the tracking client.
func UserAgent() string {
	if Commit == "" {
		return "maps/" + Version
	}
	return "maps/" + Version + " (" + Commit + ")"
}

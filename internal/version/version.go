package version

var (
	// Version is the semantic version of the binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// Info bundles build metadata for handshakes and the version command.
type Info struct {
	Version   string   `json:"version"`
	Commit    string   `json:"commit"`
	BuildDate string   `json:"build_date"`
	Contract  Contract `json:"contract"`
}

// Current returns build metadata for this binary.
func Current() Info {
	return Info{Version: Version, Commit: Commit, BuildDate: BuildDate, Contract: CurrentContract()}
}

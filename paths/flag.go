package paths

import (
	"flag"
)

// SetupFilePathFlag creates a new string flag with the passed name with a sane
// default for the path to the file: the path found using the Find function,
// or else the bare file name, which Open may still resolve to an embedded
// copy.
func SetupFilePathFlag(fs *flag.FlagSet, fileName, flagName string, flagPtr *string) {
	def := Find(fileName)
	if def == "" {
		def = fileName
	}
	fs.StringVar(flagPtr, flagName, def, "Path to "+fileName)
}

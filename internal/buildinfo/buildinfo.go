package buildinfo

import "fmt"

const (
	ProjectName = "rapbattle"
	GithubURL   = "https://github.com/bloops-games/rapbattle"
)

const Graffiti = `
 ____             ____        _   _   _
|  _ \ __ _ _ __ | __ )  __ _| |_| |_| | ___
| |_) / _' | '_ \|  _ \ / _' | __| __| |/ _ \
|  _ < (_| | |_) | |_) | (_| | |_| |_| |  __/
|_| \_\__,_| .__/|____/ \__,_|\__|\__|_|\___|
           |_|
`

// GreetingCLI takes the project name, the version and the repository url.
const GreetingCLI = `
%s %s
Source: %s

`

// Greeting prints the banner to stdout.
func Greeting(version string) string {
	if version == "" {
		version = "dev"
	}
	return Graffiti + fmt.Sprintf(GreetingCLI, ProjectName, version, GithubURL)
}

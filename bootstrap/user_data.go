package bootstrap

import (
	"strings"
)

// UserData renders the sequence as a bash script for EC2 user data.
func (s *Sequence) UserData() string {
	var sb strings.Builder
	sb.WriteString("#!/bin/bash\n")
	for _, step := range s.Steps {
		switch st := step.(type) {
		case *DownloadStep:
			sb.WriteString("mkdir -p $(dirname ")
			sb.WriteString(shellQuote(st.LocalPath))
			sb.WriteString(")\n")
			if st.Artifact.URL != "" {
				sb.WriteString("curl -fsSL --retry 3 -o ")
				sb.WriteString(shellQuote(st.LocalPath))
				sb.WriteString(" ")
				sb.WriteString(shellQuote(st.Artifact.URL))
			} else {
				sb.WriteString("aws s3 cp ")
				sb.WriteString(shellQuote(st.Artifact.URI()))
				sb.WriteString(" ")
				sb.WriteString(shellQuote(st.LocalPath))
			}
			sb.WriteString("\n")
		case *ExecuteStep:
			sb.WriteString("set -e\n")
			sb.WriteString("chmod +x ")
			sb.WriteString(shellQuote(st.Path))
			sb.WriteString("\n")
			sb.WriteString(st.Command())
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// Command returns the shell command that runs the step. Every argument is quoted so empty values keep their position.
func (e *ExecuteStep) Command() string {
	parts := []string{shellQuote(e.Path)}
	for _, arg := range e.Args.Positional() {
		parts = append(parts, shellQuote(arg))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

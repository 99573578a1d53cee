package statestore

import "path/filepath"

// DirName is the directory created under the project root.
const DirName = ".taskpilot"

// Paths lists every location the store reads or writes.
type Paths struct {
	Root         string
	StateFile    string
	PlansDir     string
	SessionsDir  string
	LogsDir      string
	QuestionsDir string
}

// GetPaths derives the store layout from a project root. It performs no I/O.
func GetPaths(projectRoot string) Paths {
	root := filepath.Join(projectRoot, DirName)
	return Paths{
		Root:         root,
		StateFile:    filepath.Join(root, "state.json"),
		PlansDir:     filepath.Join(root, "plans"),
		SessionsDir:  filepath.Join(root, "sessions"),
		LogsDir:      filepath.Join(root, "logs"),
		QuestionsDir: filepath.Join(root, "questions"),
	}
}

func (p Paths) plan(id string) string    { return filepath.Join(p.PlansDir, id+".md") }
func (p Paths) session(id string) string { return filepath.Join(p.SessionsDir, id+".json") }
func (p Paths) log(id string) string     { return filepath.Join(p.LogsDir, id+".log") }

// PlanPath returns where the plan for a validated ticket id is stored.
func (p Paths) PlanPath(id string) string { return p.plan(id) }

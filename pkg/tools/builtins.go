package tools

import "fmt"

// TOOL FACTORY FUNCTIONS

func createReadFileTool(env Env) (Tool, error) {
	return NewReadFileTool(env.WorkDir, 0), nil
}

func createWriteFileTool(env Env) (Tool, error) {
	return NewWriteFileTool(env.WorkDir, env.Snapshots), nil
}

func createListFilesTool(env Env) (Tool, error) {
	return NewListFilesTool(env.WorkDir, 0), nil
}

func createUndoTool(env Env) (Tool, error) {
	if env.Snapshots == nil {
		return nil, fmt.Errorf("undo tool requires a snapshot store")
	}
	return NewUndoTool(env.WorkDir, env.Snapshots), nil
}

func createShellTool(env Env) (Tool, error) {
	return NewShellTool(env.WorkDir, env.ShellOutputLimit), nil
}

func createWebFetchTool(env Env) (Tool, error) {
	return NewWebFetchTool(env.HTTPClient, env.FetchContentLimit), nil
}

func metaOf(t Tool) *ToolMeta {
	def := t.Definition()
	return &ToolMeta{
		Name:        def.Name,
		Description: def.Description,
		InputSchema: def.InputSchema,
		Modalities:  def.Modalities,
	}
}

// RegisterBuiltins registers the built-in workspace tools in reg.
func RegisterBuiltins(reg *Registry) error {
	builtins := []struct {
		factory ToolFactory
		proto   Tool
	}{
		{createReadFileTool, NewReadFileTool("", 0)},
		{createWriteFileTool, NewWriteFileTool("", nil)},
		{createListFilesTool, NewListFilesTool("", 0)},
		{createUndoTool, NewUndoTool("", nil)},
		{createShellTool, NewShellTool("", 0)},
		{createWebFetchTool, NewWebFetchTool(nil, 0)},
	}
	for _, b := range builtins {
		if err := reg.Register(b.proto.Name(), b.factory, metaOf(b.proto)); err != nil {
			return err
		}
	}
	return nil
}

// Package tool defines the tools the chat graph can dispatch: a clock and
// date tool, and a web search tool for deep-search rounds.
//
// Tools implement the langchaingo tools.Tool contract (Name, Description,
// Call) extended with a Parameters JSON schema so they can be bound to
// providers with native tool calling. A Registry maps tool names to
// implementations and produces the provider-facing specs.
//
//	reg := tool.NewRegistry(tool.NewClock(), searchTool)
//	model = model.BindTools(reg.Specs())
//	out, err := reg.Call(ctx, "get_current_time", `{"timezone_offset": 8}`)
package tool

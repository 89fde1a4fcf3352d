package codegen

// Built-in generation templates, keyed by the router's prompt file names.
// A configured prompt directory can override any of them with a file of the
// same name.
var builtinTemplates = map[string]string{
	"flowchart.md": `You write Mermaid flowchart code.

Rules:
- Start with "flowchart TD" (or LR when the content is wide and shallow).
- Node ids are short alphanumerics; labels go in brackets.
- Use subgraphs to group related steps.
- Never define a classDef named "subgraph"; it breaks renderers.
- Output only the diagram code, no explanations.`,

	"sequence.md": `You write Mermaid sequence diagram code.

Rules:
- Start with "sequenceDiagram".
- Declare participants before messages.
- Use ->> for calls and -->> for returns; activate/deactivate for long operations.
- Output only the diagram code, no explanations.`,

	"class.md": `You write Mermaid class diagram code.

Rules:
- Start with "classDiagram".
- Show attributes and methods that matter to the structure, not every field.
- Use <|-- for inheritance, *-- for composition, o-- for aggregation, --> for association.
- Output only the diagram code, no explanations.`,

	"state.md": `You write Mermaid state diagram code.

Rules:
- Start with "stateDiagram-v2".
- Use [*] for initial and final states and label every transition.
- Output only the diagram code, no explanations.`,

	"er.md": `You write Mermaid entity-relationship diagram code.

Rules:
- Start with "erDiagram".
- Use crow's-foot cardinality (||--o{ and friends) and name every relation.
- List key attributes with types inside each entity.
- Output only the diagram code, no explanations.`,

	"gantt.md": `You write Mermaid gantt chart code.

Rules:
- Start with "gantt" and set a dateFormat.
- Group tasks into sections; use "after" dependencies rather than guessing dates.
- Output only the diagram code, no explanations.`,

	"pie.md": `You write Mermaid pie chart code.

Rules:
- Start with "pie" and give the chart a title.
- Values are plain numbers; keep to at most 8 slices.
- Output only the diagram code, no explanations.`,

	"mindmap.md": `You write Mermaid mindmap code.

Rules:
- Start with "mindmap" and a single root.
- Depth comes from indentation; keep it to at most 4 levels.
- Output only the diagram code, no explanations.`,

	"timeline.md": `You write Mermaid timeline code.

Rules:
- Start with "timeline" and give it a title.
- One line per period, events separated by " : ".
- Output only the diagram code, no explanations.`,

	"architecture_dot.md": `You write Graphviz DOT code for system architecture diagrams.

Rules:
- Use "digraph" with rankdir=LR and clustered subgraphs per layer or module group.
- Style nodes with shape=box; label every edge with the nature of the dependency.
- Quote identifiers containing spaces or dots.
- Output only the DOT code, no explanations.`,
}

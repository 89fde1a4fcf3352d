package graphbuild

// Prompt templates for the four build stages. All of them demand strict
// JSON; the loose decoder still recovers fenced or prose-wrapped output.

const backbonePrompt = `You are analysing a complete document corpus to extract its conceptual backbone.

Identify the 10-20 most important concepts (components, actors, processes, data entities) and the key relationships between them. Prefer broad structural concepts over fine details.

Respond with JSON only, in this exact shape:
{
  "nodes": [{"id": "concept name", "description": "one sentence"}],
  "edges": [{"source": "concept a", "target": "concept b", "description": "how a relates to b", "weight": 1.0}]
}

Corpus:
%s`

const enrichPrompt = `You are extending an existing knowledge graph with concepts from one section of a document.

Known anchor concepts (reuse these ids verbatim when the text refers to them, do not invent synonyms):
%s

Extract the concepts and relationships present in the text below. Connect new concepts to anchors where the text supports it.

Respond with JSON only:
{
  "nodes": [{"id": "concept name", "description": "one sentence"}],
  "edges": [{"source": "a", "target": "b", "description": "relation", "weight": 1.0}]
}

Text:
%s`

const drilldownPrompt = `You are deepening one concept of a knowledge graph using a closely related source passage.

Focus concept: %s

Known concepts (reuse ids verbatim): %s

Extract finer-grained concepts and relationships from the passage, especially ones involving the focus concept.

Respond with JSON only:
{
  "nodes": [{"id": "concept name", "description": "one sentence"}],
  "edges": [{"source": "a", "target": "b", "description": "relation", "weight": 1.0}]
}

Passage:
%s`

const optimizePrompt = `You are cleaning up a knowledge graph. The main connected component (the backbone) is healthy; the fragments and isolated nodes below are disconnected from it.

Backbone summary (read-only, for reference):
%s

Disconnected fragments and isolates:
%s

Propose at most %d operations to integrate or prune the fragments. Allowed operations:
- {"op": "DELETE", "node": "id"}                              remove a worthless fragment node
- {"op": "MERGE", "source": "id", "target": "id"}             fold a duplicate into its canonical node
- {"op": "CONNECT", "source": "id", "target": "id", "description": "relation"}  link a fragment node to a backbone node

Never DELETE or MERGE away backbone nodes. Propose an empty list when the fragments cannot be meaningfully integrated.

Respond with JSON only:
{"operations": [...]}`

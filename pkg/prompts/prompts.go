// Package prompts holds the prompt templates used by the retrieval and
// memory pipelines. Templates use fmt verbs or named placeholders as noted.
package prompts

// DefaultSystemPrompt is used when an agent declares no prompt. The
// {history} placeholder receives the history block.
const DefaultSystemPrompt = `You are a helpful assistant. Use the available tools when they help answer the user.

Relevant context from earlier conversation:
{history}`

// HistoryPlaceholder is substituted with the history block in system prompts.
const HistoryPlaceholder = "{history}"

// AttachmentTemplate appends a file reference to the user's input before the
// model sees it. Verbs: user text, file URL.
const AttachmentTemplate = "%s\n\nThe user attached a file: %s"

// QueryRewrite asks for search query alternates. Verbs: max alternates,
// user query. The reply must be a JSON array of strings.
const QueryRewrite = `Rewrite the following search query into up to %d alternative phrasings that could each retrieve relevant documents. Keep each alternative short and self-contained.

Query: %s

Reply with only a JSON array of strings, for example: ["alternative one", "alternative two"]`

// RerankSystem instructs the reranking call.
const RerankSystem = "You are a search result reranking system. Score and rank search results by relevance to the query. Return a JSON array of result IDs sorted most relevant first."

// FactExtraction asks for memory-worthy facts from a conversation slice.
// Verb: the conversation text. The reply must be {"facts": [...]}.
const FactExtraction = `Extract durable, memory-worthy facts about the user or task from the conversation below. Ignore small talk, transient state and anything already phrased as a question.

Conversation:
%s

Reply with only JSON of the form: {"facts": ["fact one", "fact two"]}
If there is nothing worth remembering, reply: {"facts": []}`

// MemoryArbitration decides how a new fact reconciles with existing
// memories. Verbs: existing memories block, new fact.
const MemoryArbitration = `You maintain a memory store. Decide how the new fact relates to the existing memories.

Existing memories:
%s

New fact: %s

For each affected memory (and for the new fact itself) emit one entry:
- "ADD" to store the new fact (id must be "new")
- "UPDATE" to rewrite an existing memory (include its id and put the previous text in old_memory)
- "DELETE" to remove an existing memory the fact contradicts (include its id)
- "NONE" when the fact is already covered

Reply with only JSON of the form:
{"memory": [{"id": "...", "text": "...", "event": "ADD|UPDATE|DELETE|NONE", "old_memory": "..."}]}`

// JSONRepair asks the model to fix a malformed JSON reply. Verb: the
// malformed output.
const JSONRepair = `The following was supposed to be valid JSON but is not. Reply with only the corrected JSON, nothing else.

%s`

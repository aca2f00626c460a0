// Command bin2nlp runs the decompilation + LLM translation service: an
// authenticated, rate-limited HTTP API that accepts binary uploads,
// queues analysis jobs against an external decompilation engine, fans the
// resulting artifacts out to configured LLM providers, and serves the
// aggregated natural-language results.
//
// Configuration comes from defaults, an optional YAML file, and
// environment variables prefixed BIN2NLP (see the config package), plus
// per-provider credentials read directly from OPENAI_API_KEY,
// ANTHROPIC_API_KEY, GEMINI_API_KEY, and OLLAMA_BASE_URL.
package main

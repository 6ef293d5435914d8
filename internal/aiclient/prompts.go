package aiclient

const transcriptPrompt = `Transcribe this video. Include every spoken word and all visible on-screen text
(banners, signs, captions, tickers, title cards). Do not summarize.

Return JSON:
{"text": "...", "language": "ISO 639-1 code such as en, ta, hi", "language_confidence": 0.0-1.0, "has_significant_audio": true|false}`

const headlinePrompt = `Write a short factual news headline (5-12 words) for this video transcript.
Use the same language and script as the transcript. Do not translate and do not invent facts.

Transcript:
%s

Return JSON:
{"primary": "...", "alternatives": ["...", "..."], "confidence": 0.0-1.0, "tone": "informative"}`

const locationPrompt = `Name the place this video transcript is about, in the same language and script as the transcript.
Use null if no place is mentioned.

Transcript:
%s

Return JSON:
{"text": "City, Region, Country" or null, "confidence": 0.0-1.0, "source": "transcript"}`

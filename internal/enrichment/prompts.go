package enrichment

const miningPrompt = `You are given frames sampled in order from one video.
Identify the distinct behaviours or actions that happen in it.
Reply with a JSON object {"behaviours": [...]} where each element is
{"behaviour": {"behaviourId": "<short id>", "behaviourName": "<2-6 word name>", "timeRange": "<start>-<end>"}}
and start/end are video times written as m:ss or h:mm:ss.`

const summaryPrompt = `You are given frames sampled in order from one video.
Write a concise factual summary of what happens: setting, people, objects and actions.
Reply with a JSON object {"summary": "<text>"}.`

// Package dat reads 2ch-style forum threads ("dat" files) and their board
// subject index.
//
// It provides:
//   - Decode: gzip + Shift_JIS payload decoding to UTF-8.
//   - ParseRecord / ParseSubjectIndex: the "<>"-delimited line formats.
//   - IsArt: a heuristic that flags ASCII-art (AA) posts.
//   - Thread and Fetcher: incremental retrieval using If-Modified-Since and
//     byte Range requests, keeping the cached length and Last-Modified on the
//     Thread between calls.
//   - GuessNext: ranks the board's threads as likely successors of a thread
//     that has reached its post limit, using subject edit distance plus
//     bonuses for a continued part counter and for links posted in the
//     thread itself.
//
// A Thread's buffer only grows, except when the server hands back a full body
// (200), which replaces it. Readers get snapshot copies and may see a prefix
// of the eventual buffer but never a partial line.
package dat

// Package logx wraps zerolog for the bot.
//
// Console output is human readable with a short file:line caller. The file
// output is JSON. An optional chat sink forwards warnings to a moderator chat
// under a rate limit, collapsing repeated lines.
package logx

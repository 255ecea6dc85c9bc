// Package logx is the structured logger used across pacer.
//
// It is a thin layer over zerolog: call sites attach typed fields
// (String, Int, Err, ...) and the Service fans events out to console,
// file and (optionally) a rate-limited Telegram chat.
package logx

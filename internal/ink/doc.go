// Package ink defines the drawing operations exchanged between replicas.
//
// The operation set is closed: Clear, CreateStroke and StylusMove. Every
// consumer matches on the concrete type and must reject anything else, so
// adding a kind forces every switch in the repo to be revisited.
//
// # Value ranges
//
//   - Color channels are 0..255 (uint8) for every producer.
//   - Pen thickness is a positive, finite number of pixels.
//   - Pressure is finite and within 0..1 (PointerEvent.pressure).
//   - Time is advisory milliseconds on the originating device. It is never
//     used for ordering; ordering belongs to the sequencer.
//
// # Wire Format
//
// Operations travel as JSON objects tagged by "type":
//
//	{"type":"clear","time":1700000000000}
//	{"type":"createStroke","time":1,"id":"s1","pen":{"color":{"r":0,"g":0,"b":0,"a":255},"thickness":2}}
//	{"type":"stylus","time":2,"id":"s1","point":{"x":0,"y":0},"pressure":1}
package ink

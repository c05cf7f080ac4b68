// Package sheet holds the tabular data model shared by sources, the differ and
// the renderer.
//
// A Table is one full read of the data source; each Record maps the header row
// onto one data row and keeps header order. Rows are assumed to be appended at
// the end, so row order is significant.
package sheet

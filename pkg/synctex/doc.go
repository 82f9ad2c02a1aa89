/*
Package synctex parses the TeX engine's source↔page position map into a
queryable index.

The raw map arrives gzip-wrapped next to the PDF. Its preamble binds
numeric file ids to paths; the content section interleaves page markers
with record lines whose coordinates are fixed-point (65536 units per
typographic point). Parsing converts coordinates to points and strips
the sandbox mount prefixes from paths so that callers can query with the
same relative paths they submitted.

Three lookups are served: forward (source line to page position, with a
normalized vertical offset for scroll syncing), inverse (page click to
source location by nearest record), and a per-file line-to-page map.
*/
package synctex

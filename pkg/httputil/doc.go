// Package httputil provides JSON response writers, request parsing helpers and
// generic HTTP middleware shared by the plughub server.
//
// Error responses always carry a JSON body of the form
//
//	{"error": "extension 7 not found", "code": "not_found"}
//
// Parsing helpers read gorilla/mux path variables and query parameters:
//
//	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
//	if !ok {
//		return // error response already written
//	}
//	page, err := httputil.ParseQueryInt(r, "page", 1)
package httputil

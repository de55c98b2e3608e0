package domain

// ClearNodes is a nil-slice sentinel.
//
// It is used by ReplaceNodesForSubscription-style APIs to explicitly indicate
// "clear all existing nodes for the subscription", as opposed to "no nodes provided".
var ClearNodes []Node

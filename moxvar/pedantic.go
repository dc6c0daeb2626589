package moxvar

// Pedantic enables stricter-than-necessary protocol validation where the
// wild-grown behavior of real clients/servers would otherwise be tolerated.
var Pedantic bool

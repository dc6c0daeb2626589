package message

// RFC5322Z is the time layout used for the Date header and other RFC 5322
// date-times we generate, with an explicit numeric zone offset.
const RFC5322Z = "Mon, 2 Jan 2006 15:04:05 -0700"

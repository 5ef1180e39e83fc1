// Package chat implements the account service that rides on the ring: users
// sign up, sign in and sign out on the node responsible for their email.
//
// A user's identifier is the ring hash of their email. A node that receives a
// request for a user it is not responsible for answers REDIRECT with the node
// it believes is; the client reconnects there. Passwords arrive already
// hashed by the client and are compared as opaque strings.
//
//	SIGNUP  {email, name, password}  -> CLIENT_SUCCESS | CLIENT_ERROR{EMAIL_ALREADY_USED} | REDIRECT{node}
//	SIGNIN  {email, password}        -> CLIENT_SUCCESS | CLIENT_ERROR{EMAIL_NOT_FOUND | WRONG_PASSWORD} | REDIRECT{node}
//	SIGNOUT                          -> CLIENT_SUCCESS
//
// Malformed requests get CLIENT_ERROR{BAD_REQUEST}.
package chat
